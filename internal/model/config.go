package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds local cache settings.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`
}

// IMAPConfig holds remote session settings shared by all accounts.
type IMAPConfig struct {
	// FetchLimit is the number of newest messages fetched per folder.
	FetchLimit int `mapstructure:"fetch_limit" yaml:"fetch_limit"`

	DialTimeout time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`

	// OpTimeout bounds every remote round trip after connecting.
	OpTimeout time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`

	// IdleTimeout is how long a pooled session may sit unused before it is
	// logged out.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// InsecureSkipVerify disables certificate verification. Only meant for
	// local bridges with self-signed certificates.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// SyncConfig holds background polling settings.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// Folders restricts polling to these folder names. Empty means every
	// cached folder.
	Folders []string `mapstructure:"folders" yaml:"folders"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// CredentialsConfig selects where account passwords are kept.
type CredentialsConfig struct {
	// Backend is "keyring" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address of the /metrics endpoint. Empty disables it.
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	IMAP        IMAPConfig        `mapstructure:"imap" yaml:"imap"`
	Sync        SyncConfig        `mapstructure:"sync" yaml:"sync"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Credentials CredentialsConfig `mapstructure:"credentials" yaml:"credentials"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// Default values.
const (
	DefaultFetchLimit  = 50
	DefaultDialTimeout = 30 * time.Second
	DefaultOpTimeout   = 60 * time.Second
	DefaultIdleTimeout = 5 * time.Minute
	DefaultSyncEvery   = 5 * time.Minute
)

// ConfigDir returns ~/.config/mailsync.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mailsync")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{
			Path: filepath.Join(ConfigDir(), "mail.db"),
		},
		IMAP: IMAPConfig{
			FetchLimit:  DefaultFetchLimit,
			DialTimeout: DefaultDialTimeout,
			OpTimeout:   DefaultOpTimeout,
			IdleTimeout: DefaultIdleTimeout,
		},
		Sync: SyncConfig{
			Interval: DefaultSyncEvery,
		},
		Log: LogConfig{
			Level: "info",
		},
		Credentials: CredentialsConfig{
			Backend: "keyring",
			FileDir: filepath.Join(ConfigDir(), "credentials"),
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with MAILSYNC_ override file values
// (imap.op_timeout becomes MAILSYNC_IMAP_OP_TIMEOUT). If the file does not
// exist, defaults are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := DefaultAppConfig()
	v.SetDefault("database.path", def.Database.Path)
	v.SetDefault("imap.fetch_limit", def.IMAP.FetchLimit)
	v.SetDefault("imap.dial_timeout", def.IMAP.DialTimeout)
	v.SetDefault("imap.op_timeout", def.IMAP.OpTimeout)
	v.SetDefault("imap.idle_timeout", def.IMAP.IdleTimeout)
	v.SetDefault("imap.insecure_skip_verify", false)
	v.SetDefault("sync.interval", def.Sync.Interval)
	v.SetDefault("sync.folders", []string{})
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.json", false)
	v.SetDefault("credentials.backend", def.Credentials.Backend)
	v.SetDefault("credentials.file_dir", def.Credentials.FileDir)
	v.SetDefault("metrics.listen", "")

	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &pathErr) && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.IMAP.FetchLimit <= 0 {
		cfg.IMAP.FetchLimit = DefaultFetchLimit
	}
	if cfg.IMAP.OpTimeout <= 0 {
		cfg.IMAP.OpTimeout = DefaultOpTimeout
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database.path", cfg.Database.Path)
	v.Set("imap.fetch_limit", cfg.IMAP.FetchLimit)
	v.Set("imap.dial_timeout", cfg.IMAP.DialTimeout.String())
	v.Set("imap.op_timeout", cfg.IMAP.OpTimeout.String())
	v.Set("imap.idle_timeout", cfg.IMAP.IdleTimeout.String())
	v.Set("imap.insecure_skip_verify", cfg.IMAP.InsecureSkipVerify)
	v.Set("sync.interval", cfg.Sync.Interval.String())
	v.Set("sync.folders", cfg.Sync.Folders)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.json", cfg.Log.JSON)
	v.Set("credentials.backend", cfg.Credentials.Backend)
	v.Set("credentials.file_dir", cfg.Credentials.FileDir)
	v.Set("metrics.listen", cfg.Metrics.Listen)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
