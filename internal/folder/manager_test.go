package folder

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

type env struct {
	srv     *testutil.IMAPServer
	store   store.Store
	sess    *mailbox.Session
	account string
	mgr     *Manager
	ingest  *ingest.Ingester
}

func newEnv(t *testing.T, mailboxes ...string) *env {
	t.Helper()

	srv := testutil.NewTestIMAPServer(t, mailboxes...)
	s := testutil.NewTestStore(t)
	acc := testutil.CreateTestAccount(t, s, srv.Addr)
	logger, _ := test.NewNullLogger()

	host, port := testutil.SplitAddr(t, srv.Addr)
	sess, err := mailbox.Connect(context.Background(), acc.ID, mailbox.Config{
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

	return &env{
		srv:     srv,
		store:   s,
		sess:    sess,
		account: acc.ID,
		mgr:     NewManager(s, logger),
		ingest:  ingest.New(s, 50, logger),
	}
}

func TestCreate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	f, err := e.mgr.Create(ctx, e.sess, e.account, "Projects")
	require.NoError(t, err)
	assert.Equal(t, "Projects", f.Name)
	assert.Equal(t, "/", f.Delimiter)
	assert.Equal(t, ident.FolderID(e.account, "Projects"), f.ID)
	assert.Contains(t, e.srv.Mailboxes(t), "Projects")

	// A duplicate is refused by the server and nothing changes locally.
	_, err = e.mgr.Create(ctx, e.sess, e.account, "Projects")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindProtocol))

	_, err = e.mgr.Create(ctx, e.sess, e.account, "  ")
	assert.True(t, mailerr.Is(err, mailerr.KindFormat))
}

func TestRenameRekeysEmails(t *testing.T) {
	e := newEnv(t, "Work")
	ctx := context.Background()
	e.srv.AppendN(t, "Work", 2)

	_, err := e.ingest.SyncFolder(ctx, e.sess, e.account, "Work")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Rename(ctx, e.sess, e.account, "Work", "Jobs"))

	mailboxes := e.srv.Mailboxes(t)
	assert.Contains(t, mailboxes, "Jobs")
	assert.NotContains(t, mailboxes, "Work")

	_, err = e.store.GetFolder(ctx, e.account, "Work")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	emails, err := e.store.ListEmails(ctx, store.EmailFilter{AccountID: e.account, Folder: "Jobs"})
	require.NoError(t, err)
	require.Len(t, emails, 2)
	for _, em := range emails {
		k, err := ident.DecodeForAccount(e.account, em.ID)
		require.NoError(t, err)
		assert.Equal(t, "Jobs", k.Folder)
		assert.Equal(t, em.UID, k.UID)
		assert.Equal(t, ident.FolderID(e.account, "Jobs"), em.FolderID)
	}
}

func cachedNames(t *testing.T, s store.Store, accountID string) []string {
	t.Helper()
	folders, err := s.ListFolders(context.Background(), accountID)
	require.NoError(t, err)
	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.Name)
	}
	return names
}

func TestRenameCacheMatchesServerSubfolders(t *testing.T) {
	// The in-memory server renames only the folder itself, leaving
	// Work/Old where it was.
	e := newEnv(t, "Work", "Work/Old")
	ctx := context.Background()
	_, err := e.mgr.Sync(ctx, e.sess, e.account)
	require.NoError(t, err)

	require.NoError(t, e.mgr.Rename(ctx, e.sess, e.account, "Work", "Jobs"))

	assert.ElementsMatch(t, e.srv.Mailboxes(t), cachedNames(t, e.store, e.account))
}

// treeRemote is a server that renames whole subtrees.
type treeRemote struct {
	spyRemote
	folders []string
}

func (r *treeRemote) ListFolders(context.Context) ([]mailbox.RemoteFolder, error) {
	out := make([]mailbox.RemoteFolder, len(r.folders))
	for i, name := range r.folders {
		out[i] = mailbox.RemoteFolder{Name: name, Delimiter: "/"}
	}
	return out, nil
}

func (r *treeRemote) RenameFolder(_ context.Context, oldName, newName string) error {
	for i, name := range r.folders {
		switch {
		case name == oldName:
			r.folders[i] = newName
		case strings.HasPrefix(name, oldName+"/"):
			r.folders[i] = newName + strings.TrimPrefix(name, oldName)
		}
	}
	return nil
}

func TestRenameMovesSubtreeWithServer(t *testing.T) {
	s := testutil.NewTestStore(t)
	acc := testutil.CreateTestAccount(t, s, "127.0.0.1:1")
	logger, _ := test.NewNullLogger()
	mgr := NewManager(s, logger)
	ctx := context.Background()

	remote := &treeRemote{spyRemote: spyRemote{t}, folders: []string{"INBOX", "Work", "Work/Old"}}
	for _, name := range remote.folders {
		require.NoError(t, s.UpsertFolder(ctx, model.Folder{AccountID: acc.ID, Name: name}))
	}
	_, err := s.UpsertEmail(ctx, model.Email{
		ID:        ident.Encode(acc.ID, "Work/Old", 9),
		AccountID: acc.ID,
		FolderID:  ident.FolderID(acc.ID, "Work/Old"),
		UID:       9,
	}, nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Rename(ctx, remote, acc.ID, "Work", "Jobs"))

	assert.ElementsMatch(t, remote.folders, cachedNames(t, s, acc.ID))
	moved, err := s.GetEmail(ctx, ident.Encode(acc.ID, "Jobs/Old", 9))
	require.NoError(t, err)
	assert.Equal(t, ident.FolderID(acc.ID, "Jobs/Old"), moved.FolderID)
}

func TestRenameRemoteFailureKeepsCache(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.UpsertFolder(ctx, model.Folder{AccountID: e.account, Name: "Ghost"}))

	err := e.mgr.Rename(ctx, e.sess, e.account, "Ghost", "Spirit")
	require.Error(t, err)

	_, err = e.store.GetFolder(ctx, e.account, "Ghost")
	assert.NoError(t, err)
}

// spyRemote records calls and fails the test if anything reaches it.
type spyRemote struct {
	t *testing.T
}

func (s spyRemote) ListFolders(context.Context) ([]mailbox.RemoteFolder, error) {
	s.t.Error("unexpected LIST")
	return nil, nil
}

func (s spyRemote) CreateFolder(context.Context, string) error {
	s.t.Error("unexpected CREATE")
	return nil
}

func (s spyRemote) RenameFolder(context.Context, string, string) error {
	s.t.Error("unexpected RENAME")
	return nil
}

func (s spyRemote) DeleteFolder(context.Context, string) error {
	s.t.Error("unexpected DELETE")
	return nil
}

func (s spyRemote) DeleteAll(context.Context, string) (uint32, error) {
	s.t.Error("unexpected EXPUNGE")
	return 0, nil
}

func TestDeleteProtectedFolders(t *testing.T) {
	s := testutil.NewTestStore(t)
	logger, _ := test.NewNullLogger()
	mgr := NewManager(s, logger)

	for _, name := range []string{"INBOX", "Sent Items", "[Gmail]/Trash", "Drafts", "my-inbox-archive"} {
		err := mgr.Delete(context.Background(), spyRemote{t}, "acc", name)
		require.Error(t, err, name)
		assert.True(t, mailerr.Is(err, mailerr.KindPolicy), name)
	}
}

func TestDelete(t *testing.T) {
	e := newEnv(t, "Old")
	ctx := context.Background()
	e.srv.AppendN(t, "Old", 2)
	_, err := e.ingest.SyncFolder(ctx, e.sess, e.account, "Old")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Delete(ctx, e.sess, e.account, "Old"))
	assert.NotContains(t, e.srv.Mailboxes(t), "Old")

	_, err = e.store.GetFolder(ctx, e.account, "Old")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	emails, err := e.store.ListEmails(ctx, store.EmailFilter{AccountID: e.account, Folder: "Old"})
	require.NoError(t, err)
	assert.Empty(t, emails)
}

func TestEmpty(t *testing.T) {
	e := newEnv(t, "Junk")
	ctx := context.Background()
	e.srv.AppendN(t, "Junk", 3)
	_, err := e.ingest.SyncFolder(ctx, e.sess, e.account, "Junk")
	require.NoError(t, err)

	n, err := e.mgr.Empty(ctx, e.sess, e.account, "Junk")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)
	assert.Empty(t, e.srv.UIDs(t, "Junk"))

	stats, err := e.mgr.Stats(ctx, e.account, "Junk")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestSyncRemovesStaleFolders(t *testing.T) {
	e := newEnv(t, "Archive")
	ctx := context.Background()
	require.NoError(t, e.store.UpsertFolder(ctx, model.Folder{AccountID: e.account, Name: "Gone"}))

	folders, err := e.mgr.Sync(ctx, e.sess, e.account)
	require.NoError(t, err)

	var names []string
	for _, f := range folders {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"INBOX", "Archive"}, names)

	_, err = e.store.GetFolder(ctx, e.account, "Gone")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.srv.AppendN(t, "INBOX", 2)
	_, err := e.ingest.SyncFolder(ctx, e.sess, e.account, "INBOX")
	require.NoError(t, err)

	stats, err := e.mgr.Stats(ctx, e.account, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Unread)

	_, err = e.mgr.Stats(ctx, e.account, "Nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestIsProtected(t *testing.T) {
	assert.True(t, IsProtected("INBOX"))
	assert.True(t, IsProtected("Sent"))
	assert.False(t, IsProtected("Receipts"))
	assert.False(t, IsProtected("Projects/2024"))
}

// brokenStore fails every cache write that follows a remote folder change.
type brokenStore struct {
	store.Store
}

var errDiskFull = errors.New("disk full")

func (brokenStore) UpsertFolder(context.Context, model.Folder) error { return errDiskFull }

func (brokenStore) RenameFolder(context.Context, string, string, string, bool) error {
	return errDiskFull
}

func (brokenStore) DeleteFolder(context.Context, string, string) error { return errDiskFull }

func (brokenStore) ClearFolder(context.Context, string, string) (int64, error) {
	return 0, errDiskFull
}

func assertDiverged(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindDiverged))
	assert.True(t, mailerr.Is(err, mailerr.KindStorage))
	assert.True(t, errors.Is(err, errDiskFull))
	assert.Contains(t, err.Error(), "resync folder")
}

func TestCacheFailureAfterRemoteChangeIsDivergence(t *testing.T) {
	e := newEnv(t, "Scratch", "Junk", "Work")
	ctx := context.Background()
	e.srv.AppendN(t, "Junk", 2)
	logger, _ := test.NewNullLogger()
	mgr := NewManager(brokenStore{e.store}, logger)

	_, err := mgr.Create(ctx, e.sess, e.account, "Projects")
	assertDiverged(t, err)
	assert.Contains(t, e.srv.Mailboxes(t), "Projects")

	err = mgr.Rename(ctx, e.sess, e.account, "Work", "Jobs")
	assertDiverged(t, err)
	assert.Contains(t, e.srv.Mailboxes(t), "Jobs")

	err = mgr.Delete(ctx, e.sess, e.account, "Scratch")
	assertDiverged(t, err)
	assert.NotContains(t, e.srv.Mailboxes(t), "Scratch")

	n, err := mgr.Empty(ctx, e.sess, e.account, "Junk")
	assertDiverged(t, err)
	assert.Equal(t, uint32(2), n)
	assert.Empty(t, e.srv.UIDs(t, "Junk"))
}
