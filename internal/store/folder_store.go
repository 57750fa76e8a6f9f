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

// UpsertFolder inserts a folder or refreshes its delimiter. The folder id is
// derived from the account and name when empty. UID validity and sync time
// are left untouched on update.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, f model.Folder) error {
	if f.ID == "" {
		f.ID = ident.FolderID(f.AccountID, f.Name)
	}
	if f.Delimiter == "" {
		f.Delimiter = "/"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, account_id, name, delimiter, uid_validity)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET delimiter = excluded.delimiter`,
		f.ID, f.AccountID, f.Name, f.Delimiter, f.UIDValidity,
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", f.ID, err)
	}
	return nil
}

// GetFolder retrieves a cached folder by account and name.
func (s *SQLiteStore) GetFolder(
	ctx context.Context,
	accountID, name string,
) (*model.Folder, error) {
	var f model.Folder
	err := s.db.GetContext(ctx, &f,
		"SELECT * FROM folders WHERE id = ?", ident.FolderID(accountID, name),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting folder %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting folder %s: %w", name, err)
	}
	return &f, nil
}

// ListFolders returns the cached folders of an account ordered by name.
func (s *SQLiteStore) ListFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.db.SelectContext(ctx, &folders,
		"SELECT * FROM folders WHERE account_id = ? ORDER BY name", accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	return folders, nil
}

// RenameFolder renames a cached folder and re-keys every email in it so
// that each email id and folder_id name the new folder. With subtree set,
// every cached folder below oldName moves along with it. All of it happens
// in one transaction. A folder that was never cached is simply created
// under the new name.
func (s *SQLiteStore) RenameFolder(
	ctx context.Context,
	accountID, oldName, newName string,
	subtree bool,
) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var names []string
		if subtree {
			err := tx.SelectContext(ctx, &names,
				"SELECT name FROM folders WHERE account_id = ? ORDER BY name", accountID,
			)
			if err != nil {
				return fmt.Errorf("listing folders below %s: %w", oldName, err)
			}
		}

		delim, err := renameFolderTx(ctx, tx, accountID, oldName, newName)
		if err != nil {
			return err
		}

		prefix := oldName + delim
		for _, name := range names {
			if !strings.HasPrefix(name, prefix) {
				continue
			}
			child := newName + delim + strings.TrimPrefix(name, prefix)
			if _, err := renameFolderTx(ctx, tx, accountID, name, child); err != nil {
				return err
			}
		}
		return nil
	})
}

// renameFolderTx moves one folder row and its emails to newName and returns
// the folder's delimiter.
func renameFolderTx(ctx context.Context, tx *sqlx.Tx, accountID, oldName, newName string) (string, error) {
	oldID := ident.FolderID(accountID, oldName)
	newID := ident.FolderID(accountID, newName)

	var f model.Folder
	err := tx.GetContext(ctx, &f, "SELECT * FROM folders WHERE id = ?", oldID)
	if errors.Is(err, sql.ErrNoRows) {
		f = model.Folder{AccountID: accountID, Delimiter: "/"}
	} else if err != nil {
		return "", fmt.Errorf("loading folder %s: %w", oldName, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO folders (id, account_id, name, delimiter, uid_validity, last_synced)
		VALUES (?, ?, ?, ?, ?, ?)`,
		newID, accountID, newName, f.Delimiter, f.UIDValidity, f.LastSynced,
	)
	if err != nil {
		return "", fmt.Errorf("inserting renamed folder %s: %w", newName, err)
	}

	// The email id is "{account}-{folder}-{uid}", so the new id is the
	// new folder id followed by the uid.
	_, err = tx.ExecContext(ctx, `
		UPDATE emails SET id = ? || '-' || uid, folder_id = ?
		WHERE folder_id = ?`,
		newID, newID, oldID,
	)
	if err != nil {
		return "", fmt.Errorf("re-keying emails of %s: %w", oldName, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", oldID); err != nil {
		return "", fmt.Errorf("removing folder %s: %w", oldName, err)
	}
	return f.Delimiter, nil
}

// DeleteFolder removes a cached folder and everything in it.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, accountID, name string) error {
	folderID := ident.FolderID(accountID, name)

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := clearFolderTx(ctx, tx, folderID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", folderID); err != nil {
			return fmt.Errorf("deleting folder %s: %w", name, err)
		}
		return nil
	})
}

// ClearFolder removes every cached email of a folder and returns how many
// were removed. The folder row is kept.
func (s *SQLiteStore) ClearFolder(ctx context.Context, accountID, name string) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		n, err = clearFolderTx(ctx, tx, ident.FolderID(accountID, name))
		return err
	})
	return n, err
}

// SetFolderValidity records the folder's UIDVALIDITY. When purge is set,
// every cached email of the folder is removed in the same transaction
// because its uids no longer name the same messages.
func (s *SQLiteStore) SetFolderValidity(
	ctx context.Context,
	accountID, name string,
	uidValidity uint32,
	purge bool,
) (int64, error) {
	folderID := ident.FolderID(accountID, name)

	var purged int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if purge {
			var err error
			if purged, err = clearFolderTx(ctx, tx, folderID); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE folders SET uid_validity = ? WHERE id = ?", uidValidity, folderID,
		)
		if err != nil {
			return fmt.Errorf("updating uid validity of %s: %w", name, err)
		}
		return nil
	})
	return purged, err
}

// MarkFolderSynced stamps the folder's last sync time.
func (s *SQLiteStore) MarkFolderSynced(ctx context.Context, accountID, name string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE folders SET last_synced = ? WHERE id = ?",
		time.Now().UTC(), ident.FolderID(accountID, name),
	)
	if err != nil {
		return fmt.Errorf("marking folder %s synced: %w", name, err)
	}
	return nil
}

// FolderStats counts the cached emails of a folder.
func (s *SQLiteStore) FolderStats(
	ctx context.Context,
	accountID, name string,
) (*model.FolderStats, error) {
	var stats model.FolderStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END), 0) AS unread,
			COALESCE(SUM(CASE WHEN is_starred = 1 THEN 1 ELSE 0 END), 0) AS starred,
			COALESCE(SUM(CASE WHEN has_attachments = 1 THEN 1 ELSE 0 END), 0) AS with_attachments
		FROM emails WHERE folder_id = ?`,
		ident.FolderID(accountID, name),
	)
	if err != nil {
		return nil, fmt.Errorf("counting emails in %s: %w", name, err)
	}
	return &stats, nil
}

func clearFolderTx(ctx context.Context, tx *sqlx.Tx, folderID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM attachments WHERE email_id IN (
			SELECT id FROM emails WHERE folder_id = ?
		)`, folderID)
	if err != nil {
		return 0, fmt.Errorf("deleting attachments of %s: %w", folderID, err)
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM emails WHERE folder_id = ?", folderID)
	if err != nil {
		return 0, fmt.Errorf("deleting emails of %s: %w", folderID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
