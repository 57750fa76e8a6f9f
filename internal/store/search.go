package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/model"
)

// Search limits.
const (
	DefaultSearchLimit = 50
	MaxSearchLimit     = 1000
)

// SearchOptions narrows a search of the cache. Empty fields match
// everything; text fields match case-insensitive substrings.
type SearchOptions struct {
	// AccountID restricts the search to one account. Empty searches all.
	AccountID string
	Folder    string // requires AccountID

	// Query matches the subject, the preview, or the sender.
	Query string

	Sender    string
	Recipient string
	Subject   string
	Text      string // preview text

	// DateFrom and DateTo bound the Date header, inclusive. Emails whose
	// date could not be parsed never match a date bound.
	DateFrom *time.Time
	DateTo   *time.Time

	HasAttachments *bool
	IsRead         *bool
	IsStarred      *bool

	Limit  int
	Offset int
}

// SearchResult is one page of matches plus the total number of matches.
type SearchResult struct {
	Emails []model.Email `json:"emails"`
	Total  int           `json:"total"`
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func (o SearchOptions) where() (string, []interface{}) {
	var conditions []string
	var args []interface{}

	like := func(column, term string) {
		conditions = append(conditions, column+` LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(term))
	}
	flag := func(column string, v *bool) {
		if v != nil {
			conditions = append(conditions, column+" = ?")
			args = append(args, boolToInt(*v))
		}
	}

	if o.AccountID != "" {
		conditions = append(conditions, "account_id = ?")
		args = append(args, o.AccountID)
		if o.Folder != "" {
			conditions = append(conditions, "folder_id = ?")
			args = append(args, ident.FolderID(o.AccountID, o.Folder))
		}
	}
	if o.Query != "" {
		p := likePattern(o.Query)
		conditions = append(conditions,
			`(subject LIKE ? ESCAPE '\' OR preview LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\')`)
		args = append(args, p, p, p)
	}
	if o.Sender != "" {
		like("from_addr", o.Sender)
	}
	if o.Recipient != "" {
		like("to_addr", o.Recipient)
	}
	if o.Subject != "" {
		like("subject", o.Subject)
	}
	if o.Text != "" {
		like("preview", o.Text)
	}

	// Parsed dates are stored as UTC RFC 3339, which sorts as text.
	if o.DateFrom != nil || o.DateTo != nil {
		conditions = append(conditions, "date GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T*Z'")
	}
	if o.DateFrom != nil {
		conditions = append(conditions, "date >= ?")
		args = append(args, o.DateFrom.UTC().Format(time.RFC3339))
	}
	if o.DateTo != nil {
		conditions = append(conditions, "date <= ?")
		args = append(args, o.DateTo.UTC().Format(time.RFC3339))
	}

	flag("has_attachments", o.HasAttachments)
	flag("is_read", o.IsRead)
	flag("is_starred", o.IsStarred)

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// SearchEmails returns cached emails matching opts, newest first.
func (s *SQLiteStore) SearchEmails(ctx context.Context, opts SearchOptions) (*SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := opts.where()

	res := &SearchResult{}
	if err := s.db.GetContext(ctx, &res.Total, "SELECT COUNT(*) FROM emails"+where, args...); err != nil {
		return nil, fmt.Errorf("counting search matches: %w", err)
	}

	query := "SELECT * FROM emails" + where + " ORDER BY date DESC, uid DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	if err := s.db.SelectContext(ctx, &res.Emails, query, args...); err != nil {
		return nil, fmt.Errorf("searching emails: %w", err)
	}
	return res, nil
}

// SearchSuggestions returns distinct subjects and senders containing text,
// sorted, at most limit of them.
func (s *SQLiteStore) SearchSuggestions(
	ctx context.Context,
	accountID, text string,
	limit int,
) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}

	scope := ""
	args := []interface{}{likePattern(text)}
	if accountID != "" {
		scope = " AND account_id = ?"
		args = append(args, accountID)
	}
	args = append(args, limit)

	seen := make(map[string]bool)
	for _, column := range []string{"subject", "from_addr"} {
		var values []string
		query := fmt.Sprintf(
			`SELECT DISTINCT %[1]s FROM emails WHERE %[1]s LIKE ? ESCAPE '\'%[2]s ORDER BY %[1]s LIMIT ?`,
			column, scope,
		)
		if err := s.db.SelectContext(ctx, &values, query, args...); err != nil {
			return nil, fmt.Errorf("suggesting %s values: %w", column, err)
		}
		for _, v := range values {
			seen[v] = true
		}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
