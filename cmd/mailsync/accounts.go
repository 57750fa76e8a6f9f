package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/nhle/mailsync/internal/model"
)

type accountOptions struct {
	email          string
	displayName    string
	provider       string
	host           string
	port           int
	username       string
	password       string
	passwordPrompt bool
	passwordStdin  bool
	tls            bool
	startTLS       bool
	smtpHost       string
	smtpPort       int
}

func newAccountCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage mail accounts",
	}

	o := &accountOptions{}
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add an IMAP account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(o)
			if err != nil {
				return err
			}
			acc, err := e.svc.AddAccount(cmd.Context(), model.Account{
				Email:        o.email,
				DisplayName:  o.displayName,
				Provider:     o.provider,
				IMAPHost:     o.host,
				IMAPPort:     o.port,
				IMAPUsername: o.username,
				IMAPTLS:      o.tls,
				IMAPStartTLS: o.startTLS,
				SMTPHost:     o.smtpHost,
				SMTPPort:     o.smtpPort,
			}, password)
			if err != nil {
				return err
			}
			return e.emit(acc, func(w io.Writer) {
				fmt.Fprintf(w, "Added account %s (%s)\n", acc.ID, acc.Email)
			})
		},
	}
	f := addCmd.Flags()
	f.StringVar(&o.email, "email", "", "Email address")
	f.StringVar(&o.displayName, "name", "", "Display name")
	f.StringVar(&o.provider, "provider", "", "Provider hint, e.g. gmail")
	f.StringVar(&o.host, "host", "", "IMAP host")
	f.IntVar(&o.port, "port", 0, "IMAP port (default 993 with TLS, 143 otherwise)")
	f.StringVar(&o.username, "username", "", "IMAP username (default: email)")
	f.StringVar(&o.password, "password", "", "IMAP password")
	f.BoolVar(&o.passwordPrompt, "password-prompt", false, "Prompt for the password (no echo)")
	f.BoolVar(&o.passwordStdin, "password-stdin", false, "Read the password from stdin")
	f.BoolVar(&o.tls, "tls", true, "Use implicit TLS")
	f.BoolVar(&o.startTLS, "starttls", false, "Use STARTTLS (requires --tls=false)")
	f.StringVar(&o.smtpHost, "smtp-host", "", "SMTP host")
	f.IntVar(&o.smtpPort, "smtp-port", 587, "SMTP port")
	_ = addCmd.MarkFlagRequired("email")
	_ = addCmd.MarkFlagRequired("host")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := e.svc.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return e.emit(accounts, func(w io.Writer) {
				rows := make([][]string, len(accounts))
				for i, a := range accounts {
					rows[i] = []string{a.ID, a.Email, a.IMAPHost, itoa(a.IMAPPort), security(a)}
				}
				renderTable(w, []string{"ID", "Email", "Host", "Port", "Security"}, rows)
			})
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Remove an account and its cached mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := e.svc.RemoveAccount(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(e.out(), "Removed account %s\n", args[0])
			return nil
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <account-id>",
		Short: "Log in and list folders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := e.svc.TestConnection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out(), "Connection OK, %d folders\n", n)
			return nil
		},
	}

	cmd.AddCommand(addCmd, listCmd, removeCmd, testCmd)
	return cmd
}

func security(a model.Account) string {
	switch {
	case a.IMAPTLS:
		return "tls"
	case a.IMAPStartTLS:
		return "starttls"
	}
	return "none"
}

func readPassword(o *accountOptions) (string, error) {
	switch {
	case o.password != "":
		return o.password, nil
	case o.passwordStdin:
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	case o.passwordPrompt:
		fmt.Fprint(os.Stderr, "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	if pw := os.Getenv("MAILSYNC_PASSWORD"); pw != "" {
		return pw, nil
	}
	return "", fmt.Errorf("no password given: use --password, --password-prompt, --password-stdin or MAILSYNC_PASSWORD")
}
