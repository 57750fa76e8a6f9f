package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

func testAccount(tls, starttls bool) model.Account {
	return model.Account{
		ID:           "acc",
		Email:        "user@example.com",
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPUsername: "user",
		IMAPTLS:      tls,
		IMAPStartTLS: starttls,
	}
}

func testIMAPConfig() model.IMAPConfig {
	return model.IMAPConfig{
		DialTimeout: time.Second,
		OpTimeout:   time.Second,
	}
}

func newTestPool(t *testing.T, addr string, idle time.Duration) *Pool {
	t.Helper()

	cfg := testConfig(t, addr)
	logger, _ := test.NewNullLogger()
	p := NewPool(func(_ context.Context, accountID string) (Config, error) {
		if accountID == "unknown" {
			return Config{}, errors.New("no such account")
		}
		return cfg, nil
	}, idle, logger)
	t.Cleanup(p.Close)
	return p
}

func TestPoolReusesSession(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "acc")
	require.NoError(t, err)
	p.Release(first)

	second, err := p.Acquire(ctx, "acc")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, p.Size())
	p.Release(second)
}

func TestPoolSerializesAccount(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)

	held, err := p.Acquire(context.Background(), "acc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "acc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	p.Release(held)

	again, err := p.Acquire(context.Background(), "acc")
	require.NoError(t, err)
	p.Release(again)
}

func TestPoolSeparateAccounts(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)
	ctx := context.Background()

	a, err := p.Acquire(ctx, "a")
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "b")
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, p.Size())

	p.Release(a)
	p.Release(b)
}

func TestPoolReplacesExpiredSession(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, 20*time.Millisecond)
	ctx := context.Background()

	first, err := p.Acquire(ctx, "acc")
	require.NoError(t, err)
	p.Release(first)

	time.Sleep(60 * time.Millisecond)

	second, err := p.Acquire(ctx, "acc")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateDisconnected, first.State())
	p.Release(second)
}

func TestPoolDiscard(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)

	sess, err := p.Acquire(context.Background(), "acc")
	require.NoError(t, err)
	p.Discard(sess)

	assert.Equal(t, 0, p.Size())
	assert.False(t, sess.Healthy())
}

func TestPoolWithAndEvict(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)

	var seen *Session
	err := p.With(context.Background(), "acc", func(s *Session) error {
		seen = s
		_, err := s.SelectFolder(context.Background(), "INBOX")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Size())

	p.Evict("acc")
	assert.Equal(t, 0, p.Size())
	assert.False(t, seen.Healthy())
}

func TestPoolResolverError(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)

	_, err := p.Acquire(context.Background(), "unknown")
	require.Error(t, err)

	// The failed acquire must not leave the account locked.
	_, err = p.Acquire(context.Background(), "unknown")
	require.Error(t, err)
}

func TestPoolClose(t *testing.T) {
	srv := testutil.NewTestIMAPServer(t)
	p := newTestPool(t, srv.Addr, time.Minute)

	sess, err := p.Acquire(context.Background(), "acc")
	require.NoError(t, err)
	p.Release(sess)

	p.Close()
	assert.False(t, sess.Healthy())

	_, err = p.Acquire(context.Background(), "acc")
	assert.Error(t, err)
}
