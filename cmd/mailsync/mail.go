package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/reconcile"
	"github.com/nhle/mailsync/internal/store"
)

func emailRows(emails []model.Email) [][]string {
	rows := make([][]string, len(emails))
	for i, m := range emails {
		flags := ""
		if !m.IsRead {
			flags += "N"
		}
		if m.IsStarred {
			flags += "*"
		}
		if m.HasAttachments {
			flags += "@"
		}
		rows[i] = []string{m.ID, flags, m.Date, m.From, m.Subject}
	}
	return rows
}

var emailHeader = []string{"ID", "Flags", "Date", "From", "Subject"}

func newFetchCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "fetch <account-id> [folder]",
		Short: "Fetch the newest messages of a folder into the cache",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			folder := "INBOX"
			if len(args) == 2 {
				folder = args[1]
			}
			emails, err := e.svc.FetchEmails(cmd.Context(), args[0], folder, limit)
			if err != nil {
				return err
			}
			return e.emit(emails, func(w io.Writer) {
				renderTable(w, emailHeader, emailRows(emails))
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Number of newest messages to fetch (default from config)")
	return cmd
}

func newListCmd(e *env) *cobra.Command {
	filter := store.EmailFilter{}
	cmd := &cobra.Command{
		Use:   "list <account-id>",
		Short: "List cached emails without contacting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.AccountID = args[0]
			emails, err := e.svc.ListEmails(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return e.emit(emails, func(w io.Writer) {
				renderTable(w, emailHeader, emailRows(emails))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Folder, "folder", "", "Only this folder")
	f.BoolVar(&filter.Unread, "unread", false, "Only unread emails")
	f.BoolVar(&filter.Starred, "starred", false, "Only starred emails")
	f.IntVar(&filter.Limit, "limit", 50, "Maximum number of emails")
	f.IntVar(&filter.Offset, "offset", 0, "Number of emails to skip")
	return cmd
}

func newShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show <email-id>",
		Short: "Show a cached email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, atts, err := e.svc.GetEmail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			v := struct {
				*model.Email
				Attachments []model.Attachment `json:"attachments"`
			}{m, atts}
			return e.emit(v, func(w io.Writer) {
				fmt.Fprintf(w, "From:    %s\nTo:      %s\nDate:    %s\nSubject: %s\n\n%s\n",
					m.From, m.To, m.Date, m.Subject, m.Preview)
				for _, a := range atts {
					fmt.Fprintf(w, "  [%s] %s (%d bytes)\n", a.MIMEType, a.Filename, a.Size)
				}
			})
		},
	}
}

func newActionCmd(e *env) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "action <account-id> <read|unread|starred|unstarred|delete|move> <email-id>...",
		Short: "Apply an action to cached emails on the server and in the cache",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := reconcile.ParseAction(args[1], target)
			if err != nil {
				return err
			}
			res, err := e.svc.ApplyAction(cmd.Context(), args[0], action, args[2:])
			if printErr := e.emitResult(res); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Destination folder for move")
	return cmd
}

func newSyncCmd(e *env) *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync folders and newest messages of one or all accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				reports map[string][]*ingest.Report
				err     error
			)
			if accountID != "" {
				var r []*ingest.Report
				r, err = e.svc.SyncAccount(cmd.Context(), accountID)
				reports = map[string][]*ingest.Report{accountID: r}
			} else {
				reports, err = e.svc.SyncAll(cmd.Context())
			}

			if printErr := e.emit(reports, func(w io.Writer) {
				renderTable(w, []string{"Account", "Folder", "Fetched", "Stored", "Skipped", "Purged"}, reportRows(reports))
			}); printErr != nil {
				return printErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Only this account")
	return cmd
}

func reportRows(reports map[string][]*ingest.Report) [][]string {
	accounts := make([]string, 0, len(reports))
	for id := range reports {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)

	var rows [][]string
	for _, id := range accounts {
		for _, r := range reports[id] {
			rows = append(rows, []string{
				id, r.Folder, itoa(r.Fetched), itoa(r.Stored), itoa(r.Skipped),
				fmt.Sprint(r.Purged),
			})
		}
	}
	return rows
}
