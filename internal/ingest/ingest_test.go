package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

// fakeRemote serves a fixed folder without a server.
type fakeRemote struct {
	uidValidity uint32
	msgs        []mailbox.RawMessage
	selectErr   error
}

func (f *fakeRemote) SelectFolder(_ context.Context, folder string) (*mailbox.FolderStatus, error) {
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return &mailbox.FolderStatus{
		Name:        folder,
		Messages:    uint32(len(f.msgs)),
		UIDValidity: f.uidValidity,
	}, nil
}

func (f *fakeRemote) FetchMessages(_ context.Context, _ string, limit int) ([]mailbox.RawMessage, error) {
	if len(f.msgs) > limit {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

func raw(uid uint32, subject, messageID string, flags ...imap.Flag) mailbox.RawMessage {
	return mailbox.RawMessage{
		UID:   uid,
		Flags: flags,
		Body:  []byte(testutil.SimpleMessage(subject, messageID)),
	}
}

func newIngester(t *testing.T) (*Ingester, store.Store, string) {
	t.Helper()
	s := testutil.NewTestStore(t)
	acc := testutil.CreateTestAccount(t, s, "127.0.0.1:1")
	logger, _ := test.NewNullLogger()
	return New(s, 50, logger), s, acc.ID
}

func TestSyncFolderAgainstServer(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	srv.AppendN(t, "INBOX", 3)
	srv.Append(t, "INBOX", testutil.SimpleMessage("Seen one", "<seen@example.com>"), imap.FlagSeen, imap.FlagFlagged)

	in, s, accountID := newIngester(t)
	ctx := context.Background()

	host, port := testutil.SplitAddr(t, srv.Addr)
	logger, _ := test.NewNullLogger()
	sess, err := mailbox.Connect(ctx, accountID, mailbox.Config{
		Host:        host,
		Port:        port,
		Username:    testutil.TestUser,
		Password:    testutil.TestPass,
		Security:    mailbox.SecurityNone,
		DialTimeout: 5 * time.Second,
		OpTimeout:   5 * time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Disconnect() })

	report, err := in.SyncFolder(ctx, sess, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Fetched)
	assert.Equal(t, 4, report.Stored)
	assert.Zero(t, report.Skipped)

	emails, err := s.ListEmails(ctx, store.EmailFilter{AccountID: accountID, Folder: "INBOX"})
	require.NoError(t, err)
	require.Len(t, emails, 4)

	seen, err := s.GetEmail(ctx, ident.Encode(accountID, "INBOX", 4))
	require.NoError(t, err)
	assert.Equal(t, "Seen one", seen.Subject)
	assert.True(t, seen.IsRead)
	assert.True(t, seen.IsStarred)

	first, err := s.GetEmail(ctx, ident.Encode(accountID, "INBOX", 1))
	require.NoError(t, err)
	assert.False(t, first.IsRead)
	assert.Equal(t, "Message 1", first.Subject)

	// Fetching must not mark anything seen on the server.
	assert.NotContains(t, srv.Flags(t, "INBOX", 1), imap.FlagSeen)

	folder, err := s.GetFolder(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.NotNil(t, folder.LastSynced)
	assert.NotZero(t, folder.UIDValidity)

	// A second sync converges on the same rows.
	report, err = in.SyncFolder(ctx, sess, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Stored)
	emails, err = s.ListEmails(ctx, store.EmailFilter{AccountID: accountID, Folder: "INBOX"})
	require.NoError(t, err)
	assert.Len(t, emails, 4)
}

func TestSyncFolderSkipsBadMessages(t *testing.T) {
	in, s, accountID := newIngester(t)
	ctx := context.Background()

	remote := &fakeRemote{uidValidity: 7, msgs: []mailbox.RawMessage{
		raw(3, "Good three", "<3@example.com>"),
		{UID: 2, Body: nil},
		raw(1, "Good one", "<1@example.com>"),
	}}

	report, err := in.SyncFolder(ctx, remote, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Stored)
	assert.Equal(t, 1, report.Skipped)

	_, err = s.GetEmail(ctx, ident.Encode(accountID, "INBOX", 2))
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSyncFolderPurgesOnValidityChange(t *testing.T) {
	in, s, accountID := newIngester(t)
	ctx := context.Background()

	remote := &fakeRemote{uidValidity: 100, msgs: []mailbox.RawMessage{
		raw(2, "Old two", "<old-2@example.com>"),
		raw(1, "Old one", "<old-1@example.com>"),
	}}
	_, err := in.SyncFolder(ctx, remote, accountID, "INBOX")
	require.NoError(t, err)

	remote.uidValidity = 200
	remote.msgs = []mailbox.RawMessage{raw(1, "New one", "<new-1@example.com>")}

	report, err := in.SyncFolder(ctx, remote, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Purged)
	assert.Equal(t, 1, report.Stored)

	emails, err := s.ListEmails(ctx, store.EmailFilter{AccountID: accountID, Folder: "INBOX"})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "New one", emails[0].Subject)

	folder, err := s.GetFolder(ctx, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(200), folder.UIDValidity)
}

func TestSyncFolderReplacesReusedUID(t *testing.T) {
	in, s, accountID := newIngester(t)
	ctx := context.Background()

	remote := &fakeRemote{uidValidity: 5, msgs: []mailbox.RawMessage{raw(1, "First", "<a@example.com>")}}
	_, err := in.SyncFolder(ctx, remote, accountID, "INBOX")
	require.NoError(t, err)

	remote.msgs = []mailbox.RawMessage{raw(1, "Second", "<b@example.com>")}
	report, err := in.SyncFolder(ctx, remote, accountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Replaced)

	e, err := s.GetEmail(ctx, ident.Encode(accountID, "INBOX", 1))
	require.NoError(t, err)
	assert.Equal(t, "Second", e.Subject)
	assert.Equal(t, "<b@example.com>", e.MessageID)
}

func TestSyncFolderRespectsLimit(t *testing.T) {
	s := testutil.NewTestStore(t)
	acc := testutil.CreateTestAccount(t, s, "127.0.0.1:1")
	logger, _ := test.NewNullLogger()
	in := New(s, 2, logger)

	remote := &fakeRemote{uidValidity: 1, msgs: []mailbox.RawMessage{
		raw(3, "Three", "<3@example.com>"),
		raw(2, "Two", "<2@example.com>"),
		raw(1, "One", "<1@example.com>"),
	}}
	report, err := in.SyncFolder(context.Background(), remote, acc.ID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Stored)
}

func TestSyncFolderSelectError(t *testing.T) {
	in, _, accountID := newIngester(t)

	remote := &fakeRemote{selectErr: mailerr.Newf(mailerr.KindProtocol, "select", "no such mailbox")}
	_, err := in.SyncFolder(context.Background(), remote, accountID, "Nope")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindProtocol))
}
