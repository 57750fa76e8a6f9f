package mailbox

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/tests/testutil"
)

func testConfig(t *testing.T, addr string) Config {
	t.Helper()
	host, port := testutil.SplitAddr(t, addr)
	return Config{
		Host:        host,
		Port:        port,
		Username:    testutil.TestUser,
		Password:    testutil.TestPass,
		Security:    SecurityNone,
		DialTimeout: 5 * time.Second,
		OpTimeout:   5 * time.Second,
	}
}

func newTestSession(t *testing.T, srv *testutil.IMAPServer) *Session {
	t.Helper()

	logger, _ := test.NewNullLogger()
	sess, err := Connect(context.Background(), "acc", testConfig(t, srv.Addr), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Disconnect() })
	return sess
}

func TestConnectAndDisconnect(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	sess := newTestSession(t, srv)

	assert.Equal(t, StateConnected, sess.State())
	assert.Equal(t, "acc", sess.AccountID())

	status, err := sess.SelectFolder(context.Background(), "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), status.Messages)
	assert.NotZero(t, status.UIDValidity)
	assert.Equal(t, StateSelected, sess.State())
	assert.Equal(t, "INBOX", sess.Selected())

	require.NoError(t, sess.Disconnect())
	assert.Equal(t, StateDisconnected, sess.State())
	require.NoError(t, sess.Disconnect())

	_, err = sess.ListFolders(context.Background())
	assert.True(t, mailerr.Is(err, mailerr.KindNetwork))
}

func TestConnectAuthFailure(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	cfg := testConfig(t, srv.Addr)
	cfg.Password = "wrong"

	logger, _ := test.NewNullLogger()
	_, err := Connect(context.Background(), "acc", cfg, logger)
	require.Error(t, err)
	assert.True(t, mailerr.IsAuthError(err))
}

func TestConnectNetworkFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	logger, _ := test.NewNullLogger()
	_, err = Connect(context.Background(), "acc", testConfig(t, addr), logger)
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindNetwork))
	assert.True(t, mailerr.Retryable(err))
}

func TestConnectTLSFailure(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	cfg := testConfig(t, srv.Addr)
	cfg.Security = SecurityTLS

	logger, _ := test.NewNullLogger()
	_, err := Connect(context.Background(), "acc", cfg, logger)
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindTLS))
	assert.False(t, mailerr.Retryable(err))
}

func TestListFolders(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t, "Archive", "Work")
	sess := newTestSession(t, srv)

	folders, err := sess.ListFolders(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.Name)
		assert.Equal(t, "/", f.Delimiter)
	}
	assert.ElementsMatch(t, []string{"INBOX", "Archive", "Work"}, names)
}

func TestFetchMessagesNewestFirst(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	srv.AppendN(t, "INBOX", 5)
	sess := newTestSession(t, srv)

	msgs, err := sess.FetchMessages(context.Background(), "INBOX", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, uint32(5), msgs[0].UID)
	assert.Equal(t, uint32(4), msgs[1].UID)
	assert.Equal(t, uint32(3), msgs[2].UID)
	assert.Contains(t, string(msgs[0].Body), "Subject: Message 5")

	// BODY.PEEK must not mark anything read.
	assert.NotContains(t, srv.Flags(t, "INBOX", 5), imap.FlagSeen)
}

func TestFetchMessagesLimitLargerThanFolder(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	srv.AppendN(t, "INBOX", 2)
	sess := newTestSession(t, srv)

	msgs, err := sess.FetchMessages(context.Background(), "INBOX", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestFetchMessagesEmptyFolder(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	sess := newTestSession(t, srv)

	msgs, err := sess.FetchMessages(context.Background(), "INBOX", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSelectMissingFolder(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	sess := newTestSession(t, srv)

	_, err := sess.SelectFolder(context.Background(), "Nope")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindProtocol))

	// A protocol error leaves the session usable.
	assert.True(t, sess.Healthy())
	_, err = sess.SelectFolder(context.Background(), "INBOX")
	assert.NoError(t, err)
}

func TestExistingUIDsAndMutateFlags(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	srv.AppendN(t, "INBOX", 3)
	sess := newTestSession(t, srv)
	ctx := context.Background()

	found, err := sess.ExistingUIDs(ctx, "INBOX", []uint32{1, 3, 99})
	require.NoError(t, err)
	assert.Equal(t, map[uint32]bool{1: true, 3: true}, found)

	require.NoError(t, sess.MutateFlags(ctx, "INBOX", 2, FlagDelta{
		Add: []imap.Flag{imap.FlagSeen, imap.FlagFlagged},
	}))
	flags := srv.Flags(t, "INBOX", 2)
	assert.Contains(t, flags, imap.FlagSeen)
	assert.Contains(t, flags, imap.FlagFlagged)

	require.NoError(t, sess.MutateFlags(ctx, "INBOX", 2, FlagDelta{
		Remove: []imap.Flag{imap.FlagFlagged},
	}))
	flags = srv.Flags(t, "INBOX", 2)
	assert.Contains(t, flags, imap.FlagSeen)
	assert.NotContains(t, flags, imap.FlagFlagged)
}

func TestCopyAndExpunge(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t, "Archive")
	srv.AppendN(t, "INBOX", 2)
	sess := newTestSession(t, srv)
	ctx := context.Background()

	destUID, err := sess.CopyMessage(ctx, "INBOX", 2, "Archive")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), destUID)

	require.NoError(t, sess.MutateFlags(ctx, "INBOX", 2, FlagDelta{Add: []imap.Flag{imap.FlagDeleted}}))
	require.NoError(t, sess.Expunge(ctx, "INBOX"))

	assert.Equal(t, []imap.UID{1}, srv.UIDs(t, "INBOX"))
	assert.Equal(t, []imap.UID{1}, srv.UIDs(t, "Archive"))

	_, err = sess.CopyMessage(ctx, "INBOX", 1, "Missing")
	require.Error(t, err)
	assert.True(t, mailerr.Is(err, mailerr.KindProtocol))
}

func TestDeleteAll(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t, "Junk")
	srv.AppendN(t, "Junk", 4)
	sess := newTestSession(t, srv)

	n, err := sess.DeleteAll(context.Background(), "Junk")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), n)
	assert.Empty(t, srv.UIDs(t, "Junk"))

	n, err = sess.DeleteAll(context.Background(), "Junk")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFolderCommands(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	sess := newTestSession(t, srv)
	ctx := context.Background()

	require.NoError(t, sess.CreateFolder(ctx, "Projects"))
	assert.Contains(t, srv.Mailboxes(t), "Projects")

	err := sess.CreateFolder(ctx, "Projects")
	assert.True(t, mailerr.Is(err, mailerr.KindProtocol))

	require.NoError(t, sess.RenameFolder(ctx, "Projects", "Clients"))
	boxes := srv.Mailboxes(t)
	assert.Contains(t, boxes, "Clients")
	assert.NotContains(t, boxes, "Projects")

	require.NoError(t, sess.DeleteFolder(ctx, "Clients"))
	assert.NotContains(t, srv.Mailboxes(t), "Clients")
}

// stallingServer accepts a login and then never answers SELECT.
func stallingServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				_, _ = conn.Write([]byte("* OK [CAPABILITY IMAP4rev1] ready\r\n"))

				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					fields := strings.Fields(line)
					if len(fields) < 2 {
						continue
					}
					if strings.EqualFold(fields[1], "SELECT") {
						continue
					}
					_, _ = conn.Write([]byte(fields[0] + " OK done\r\n"))
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

func TestOperationTimeoutBreaksSession(t *testing.T) {
	addr := stallingServer(t)
	cfg := testConfig(t, addr)
	cfg.OpTimeout = 200 * time.Millisecond

	logger, _ := test.NewNullLogger()
	sess, err := Connect(context.Background(), "acc", cfg, logger)
	require.NoError(t, err)
	defer sess.Disconnect()

	start := time.Now()
	_, err = sess.SelectFolder(context.Background(), "INBOX")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, mailerr.Is(err, mailerr.KindNetwork))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestCallerCancellation(t *testing.T) {
	addr := stallingServer(t)
	logger, _ := test.NewNullLogger()
	sess, err := Connect(context.Background(), "acc", testConfig(t, addr), logger)
	require.NoError(t, err)
	defer sess.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err = sess.SelectFolder(ctx, "INBOX")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, sess.Healthy())
}

func TestConfigFor(t *testing.T) {
	cfg := ConfigFor(testAccount(true, false), "pw", testIMAPConfig())
	assert.Equal(t, SecurityTLS, cfg.Security)
	assert.Equal(t, "user", cfg.Username)
	assert.Equal(t, "pw", cfg.Password)
	assert.Equal(t, "imap.example.com:993", cfg.addr())

	assert.Equal(t, SecurityStartTLS, ConfigFor(testAccount(false, true), "", testIMAPConfig()).Security)
	assert.Equal(t, SecurityNone, ConfigFor(testAccount(false, false), "", testIMAPConfig()).Security)
}
