package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/model"
)

// UpsertEmail inserts or updates a cached email and replaces its attachment
// metadata. Repeating the same upsert leaves the cache unchanged.
func (s *SQLiteStore) UpsertEmail(
	ctx context.Context,
	e model.Email,
	atts []model.Attachment,
) (UpsertResult, error) {
	if err := checkIdentity(e); err != nil {
		return UpsertResult{}, err
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now().UTC()
	}

	var res UpsertResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var prevMessageID string
		err := tx.GetContext(ctx, &prevMessageID,
			"SELECT message_id FROM emails WHERE id = ?", e.ID,
		)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			res.Inserted = true
		case err != nil:
			return fmt.Errorf("loading email %s: %w", e.ID, err)
		case prevMessageID != "" && e.MessageID != "" && prevMessageID != e.MessageID:
			res.ReplacedMessageID = prevMessageID
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO emails (
				id, account_id, folder_id, uid, message_id,
				subject, from_addr, to_addr, date,
				is_read, is_starred, has_attachments,
				preview, headers, cached_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				message_id = excluded.message_id,
				subject = excluded.subject,
				from_addr = excluded.from_addr,
				to_addr = excluded.to_addr,
				date = excluded.date,
				is_read = excluded.is_read,
				is_starred = excluded.is_starred,
				has_attachments = excluded.has_attachments,
				preview = excluded.preview,
				headers = excluded.headers,
				cached_at = excluded.cached_at`,
			e.ID, e.AccountID, e.FolderID, e.UID, e.MessageID,
			e.Subject, e.From, e.To, e.Date,
			boolToInt(e.IsRead), boolToInt(e.IsStarred), boolToInt(e.HasAttachments),
			e.Preview, e.Headers, e.CachedAt,
		)
		if err != nil {
			return fmt.Errorf("upserting email %s: %w", e.ID, err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE email_id = ?", e.ID); err != nil {
			return fmt.Errorf("clearing attachments of %s: %w", e.ID, err)
		}
		for _, a := range atts {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (email_id, filename, mime_type, size)
				VALUES (?, ?, ?, ?)`,
				e.ID, a.Filename, a.MIMEType, a.Size,
			)
			if err != nil {
				return fmt.Errorf("inserting attachment of %s: %w", e.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

// checkIdentity verifies that e.ID encodes e's own account, folder, and
// uid.
func checkIdentity(e model.Email) error {
	k, err := ident.DecodeForAccount(e.AccountID, e.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityMismatch, err)
	}
	if k.UID != e.UID || k.FolderID() != e.FolderID {
		return fmt.Errorf("%w: %s (folder_id %s, uid %d)",
			ErrIdentityMismatch, e.ID, e.FolderID, e.UID)
	}
	return nil
}

// GetEmail retrieves a single cached email by id.
func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*model.Email, error) {
	var e model.Email
	err := s.db.GetContext(ctx, &e, "SELECT * FROM emails WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting email %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting email %s: %w", id, err)
	}
	return &e, nil
}

// ListEmails returns cached emails matching filter, newest uid first.
func (s *SQLiteStore) ListEmails(ctx context.Context, filter EmailFilter) ([]model.Email, error) {
	conditions := []string{"account_id = ?"}
	args := []interface{}{filter.AccountID}

	if filter.Folder != "" {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, ident.FolderID(filter.AccountID, filter.Folder))
	}
	if filter.Unread {
		conditions = append(conditions, "is_read = 0")
	}
	if filter.Starred {
		conditions = append(conditions, "is_starred = 1")
	}

	query := "SELECT * FROM emails WHERE " + strings.Join(conditions, " AND ") +
		" ORDER BY folder_id, uid DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	var emails []model.Email
	if err := s.db.SelectContext(ctx, &emails, query, args...); err != nil {
		return nil, fmt.Errorf("querying emails: %w", err)
	}
	return emails, nil
}

// GetAttachments returns the attachment metadata of an email.
func (s *SQLiteStore) GetAttachments(ctx context.Context, emailID string) ([]model.Attachment, error) {
	var atts []model.Attachment
	err := s.db.SelectContext(ctx, &atts,
		"SELECT * FROM attachments WHERE email_id = ? ORDER BY rowid", emailID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying attachments of %s: %w", emailID, err)
	}
	return atts, nil
}

// SetFlag sets one boolean column on every listed email in a single
// statement.
func (s *SQLiteStore) SetFlag(ctx context.Context, ids []string, flag Flag, value bool) error {
	if len(ids) == 0 {
		return nil
	}
	if flag != FlagRead && flag != FlagStarred {
		return fmt.Errorf("unknown flag column %q", flag)
	}

	query, args, err := sqlx.In(
		fmt.Sprintf("UPDATE emails SET %s = ? WHERE id IN (?)", flag),
		boolToInt(value), ids,
	)
	if err != nil {
		return fmt.Errorf("building flag update: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("updating %s on %d emails: %w", flag, len(ids), err)
	}
	return nil
}

// DeleteEmails removes the listed emails and their attachments in one
// transaction.
func (s *SQLiteStore) DeleteEmails(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return deleteEmailsTx(ctx, tx, ids)
	})
}

// MoveEmails re-keys moved emails under their destination folder in one
// transaction. Destination folders missing from the cache are created.
func (s *SQLiteStore) MoveEmails(ctx context.Context, moves []EmailMove) error {
	if len(moves) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var drop []string
		seen := make(map[string]bool)

		for _, m := range moves {
			dest := m.To.FolderID()
			if !seen[dest] {
				seen[dest] = true
				_, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO folders (id, account_id, name, delimiter)
					VALUES (?, ?, ?, '/')`,
					dest, m.To.AccountID, m.To.Folder,
				)
				if err != nil {
					return fmt.Errorf("ensuring folder %s: %w", m.To.Folder, err)
				}
			}

			if m.To.UID == 0 {
				drop = append(drop, m.From.String())
				continue
			}

			_, err := tx.ExecContext(ctx, `
				UPDATE OR REPLACE emails SET id = ?, folder_id = ?, uid = ?
				WHERE id = ?`,
				m.To.String(), dest, m.To.UID, m.From.String(),
			)
			if err != nil {
				return fmt.Errorf("moving email %s: %w", m.From, err)
			}
		}

		if len(drop) > 0 {
			return deleteEmailsTx(ctx, tx, drop)
		}
		return nil
	})
}

func deleteEmailsTx(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	query, args, err := sqlx.In("DELETE FROM attachments WHERE email_id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("building attachment delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting attachments: %w", err)
	}

	query, args, err = sqlx.In("DELETE FROM emails WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("building email delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("deleting %d emails: %w", len(ids), err)
	}
	return nil
}
