package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

// env is the state shared by every subcommand, built before the command
// runs and torn down after it.
type env struct {
	cfg   *model.AppConfig
	log   *logrus.Logger
	store *store.SQLiteStore
	svc   *app.Service
	json  bool
}

type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
	logJSON    bool
	jsonOut    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := &env{}
	err := newRootCmd(e).ExecuteContext(ctx)
	e.teardown()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd(e *env) *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "mailsync",
		Short:         "Mailsync - IMAP mailbox sync and local cache",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(flags)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", model.DefaultConfigPath(), "Path to the config file")
	pf.StringVar(&flags.dbPath, "db", "", "Path to the cache database (overrides config)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	pf.BoolVar(&flags.logJSON, "log-json", false, "Log as JSON")
	pf.BoolVar(&flags.jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newAccountCmd(e),
		newFolderCmd(e),
		newFetchCmd(e),
		newListCmd(e),
		newShowCmd(e),
		newSearchCmd(e),
		newActionCmd(e),
		newSyncCmd(e),
		newServeCmd(e),
	)
	return rootCmd
}

func versionString() string {
	if commit != "" {
		return fmt.Sprintf("%s (%s)", version, commit)
	}
	return version
}

func (e *env) setup(flags *globalFlags) error {
	cfg, err := model.LoadConfig(flags.configPath)
	if err != nil {
		return err
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logJSON {
		cfg.Log.JSON = true
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}

	creds, err := newCredentials(cfg.Credentials)
	if err != nil {
		_ = s.Close()
		return err
	}

	e.cfg = cfg
	e.log = log
	e.store = s
	e.svc = app.New(cfg, s, creds, log)
	e.json = flags.jsonOut
	return nil
}

func (e *env) teardown() {
	if e.svc != nil {
		e.svc.Close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.WithError(err).Warn("closing cache")
		}
	}
	e.svc, e.store = nil, nil
}

func newLogger(cfg model.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}

func newCredentials(cfg model.CredentialsConfig) (credential.Provider, error) {
	switch cfg.Backend {
	case "", "keyring":
		return credential.NewKeyring(cfg.FileDir), nil
	case "memory":
		return credential.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown credentials backend %q", cfg.Backend)
	}
}
