package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// CreateAccount inserts a new account. If acc has no ID, a new UUID is
// generated. The stored account is returned.
func (s *SQLiteStore) CreateAccount(
	ctx context.Context,
	acc model.Account,
) (model.Account, error) {
	if acc.ID == "" {
		acc.ID = uuid.New().String()
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, email, display_name, provider,
			imap_host, imap_port, imap_username, imap_tls, imap_starttls,
			smtp_host, smtp_port, smtp_username, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.Email, acc.DisplayName, acc.Provider,
		acc.IMAPHost, acc.IMAPPort, acc.IMAPUsername,
		boolToInt(acc.IMAPTLS), boolToInt(acc.IMAPStartTLS),
		acc.SMTPHost, acc.SMTPPort, acc.SMTPUsername, acc.CreatedAt,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("creating account %s: %w", acc.Email, err)
	}

	return acc, nil
}

// GetAccount retrieves a single account by its ID.
func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acc model.Account
	err := s.db.GetContext(ctx, &acc, "SELECT * FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, err)
	}
	return &acc, nil
}

// ListAccounts returns every account ordered by email.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var accounts []model.Account
	if err := s.db.SelectContext(ctx, &accounts, "SELECT * FROM accounts ORDER BY email"); err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account together with its folders, emails, and
// attachments in one transaction.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM attachments WHERE email_id IN (
				SELECT id FROM emails WHERE account_id = ?
			)`, id); err != nil {
			return fmt.Errorf("deleting attachments of account %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM emails WHERE account_id = ?", id); err != nil {
			return fmt.Errorf("deleting emails of account %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE account_id = ?", id); err != nil {
			return fmt.Errorf("deleting folders of account %s: %w", id, err)
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting account %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("deleting account %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
