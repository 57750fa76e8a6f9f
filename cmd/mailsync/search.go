package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/store"
)

func newSearchCmd(e *env) *cobra.Command {
	var (
		opts         store.SearchOptions
		since, until string
		attachments  bool
		unread       bool
		starred      bool
	)
	cmd := &cobra.Command{
		Use:   "search [account-id]",
		Short: "Search cached emails without contacting the server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.AccountID = args[0]
			}

			var err error
			if opts.DateFrom, err = parseDay(since, false); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if opts.DateTo, err = parseDay(until, true); err != nil {
				return fmt.Errorf("--until: %w", err)
			}

			f := cmd.Flags()
			if f.Changed("attachments") {
				opts.HasAttachments = &attachments
			}
			if f.Changed("unread") {
				read := !unread
				opts.IsRead = &read
			}
			if f.Changed("starred") {
				opts.IsStarred = &starred
			}

			res, err := e.svc.Search(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return e.emit(res, func(w io.Writer) {
				renderTable(w, emailHeader, emailRows(res.Emails))
				fmt.Fprintf(w, "%d of %d matching emails\n", len(res.Emails), res.Total)
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Query, "query", "q", "", "Match subject, sender or preview")
	f.StringVar(&opts.Folder, "folder", "", "Only this folder (needs an account)")
	f.StringVar(&opts.Sender, "from", "", "Sender contains")
	f.StringVar(&opts.Recipient, "to", "", "Recipient contains")
	f.StringVar(&opts.Subject, "subject", "", "Subject contains")
	f.StringVar(&opts.Text, "text", "", "Preview text contains")
	f.StringVar(&since, "since", "", "Sent on or after this day (YYYY-MM-DD or RFC 3339)")
	f.StringVar(&until, "until", "", "Sent on or before this day (YYYY-MM-DD or RFC 3339)")
	f.BoolVar(&attachments, "attachments", false, "Only emails with (or, when false, without) attachments")
	f.BoolVar(&unread, "unread", false, "Only unread (or, when false, read) emails")
	f.BoolVar(&starred, "starred", false, "Only starred (or, when false, unstarred) emails")
	f.IntVar(&opts.Limit, "limit", store.DefaultSearchLimit, "Maximum number of emails")
	f.IntVar(&opts.Offset, "offset", 0, "Number of emails to skip")

	cmd.AddCommand(newSuggestCmd(e))
	return cmd
}

func newSuggestCmd(e *env) *cobra.Command {
	var (
		accountID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "suggest <text>",
		Short: "List cached subjects and senders containing text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := e.svc.SearchSuggestions(cmd.Context(), accountID, args[0], limit)
			if err != nil {
				return err
			}
			return e.emit(out, func(w io.Writer) {
				for _, s := range out {
					fmt.Fprintln(w, s)
				}
			})
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Only this account")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of suggestions")
	return cmd
}

// parseDay accepts a date or an RFC 3339 timestamp. A bare date used as an
// upper bound covers the whole day.
func parseDay(s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q", s)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Second)
	}
	return &t, nil
}
