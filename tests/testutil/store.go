package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates a SQLiteStore in a temporary directory with all
// migrations applied. It automatically closes the store when the test
// completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mail.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// CreateTestAccount inserts an account pointing at addr ("host:port") with
// plaintext IMAP and returns it.
func CreateTestAccount(t *testing.T, s store.Store, addr string) model.Account {
	t.Helper()

	host, port := SplitAddr(t, addr)
	acc, err := s.CreateAccount(context.Background(), model.Account{
		Email:        TestUser + "@example.com",
		DisplayName:  "Test",
		IMAPHost:     host,
		IMAPPort:     port,
		IMAPUsername: TestUser,
	})
	if err != nil {
		t.Fatalf("creating test account: %v", err)
	}
	return acc
}
