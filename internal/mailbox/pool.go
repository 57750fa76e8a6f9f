package mailbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
)

// Resolver returns the session config for an account.
type Resolver func(ctx context.Context, accountID string) (Config, error)

// poolEntry holds the cached session of one account. sem has capacity one
// and is held while the session is checked out; sess and lastUsed are only
// touched by the holder.
type poolEntry struct {
	sem      chan struct{}
	sess     *Session
	lastUsed time.Time
}

// Pool keeps at most one open session per account and hands it out to one
// caller at a time. Sessions idle longer than the idle timeout are logged
// out.
type Pool struct {
	resolve Resolver
	log     logrus.FieldLogger
	idle    time.Duration

	mu      sync.Mutex
	entries map[string]*poolEntry
	open    int
	closed  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool and starts its idle janitor. A non-positive idle
// timeout uses the default.
func NewPool(resolve Resolver, idle time.Duration, log logrus.FieldLogger) *Pool {
	if idle <= 0 {
		idle = model.DefaultIdleTimeout
	}

	p := &Pool{
		resolve: resolve,
		log:     log,
		idle:    idle,
		entries: make(map[string]*poolEntry),
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.janitor()

	return p
}

func (p *Pool) entry(accountID string) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, mailerr.Newf(mailerr.KindNetwork, "acquire session", "pool is closed").
			WithAccount(accountID)
	}

	e, ok := p.entries[accountID]
	if !ok {
		e = &poolEntry{sem: make(chan struct{}, 1)}
		p.entries[accountID] = e
	}
	return e, nil
}

// Acquire returns a connected session for accountID, reusing the pooled one
// when it is healthy and not expired. It blocks while another caller holds
// the account's session. Every successful Acquire must be paired with
// Release or Discard.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*Session, error) {
	e, err := p.entry(accountID)
	if err != nil {
		return nil, err
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, mailerr.New(mailerr.KindNetwork, "acquire session", ctx.Err()).
			WithAccount(accountID)
	}

	if e.sess != nil && (!e.sess.Healthy() || time.Since(e.lastUsed) > p.idle) {
		p.drop(e, "stale")
	}

	if e.sess == nil {
		cfg, err := p.resolve(ctx, accountID)
		if err != nil {
			<-e.sem
			return nil, err
		}
		sess, err := Connect(ctx, accountID, cfg, p.log)
		if err != nil {
			<-e.sem
			return nil, err
		}
		e.sess = sess
		p.adjust(1)
	}

	e.lastUsed = time.Now()
	return e.sess, nil
}

// Release returns a session to the pool. Broken sessions are closed
// instead of being kept.
func (p *Pool) Release(sess *Session) {
	e := p.lookup(sess)
	if e == nil {
		_ = sess.Disconnect()
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || !sess.Healthy() {
		p.drop(e, "released unhealthy")
	} else {
		e.lastUsed = time.Now()
	}
	<-e.sem
}

// Discard closes a checked-out session and removes it from the pool.
func (p *Pool) Discard(sess *Session) {
	e := p.lookup(sess)
	if e == nil {
		_ = sess.Disconnect()
		return
	}
	p.drop(e, "discarded")
	<-e.sem
}

// With runs fn with the account's session and releases it afterwards.
func (p *Pool) With(ctx context.Context, accountID string, fn func(*Session) error) error {
	sess, err := p.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer p.Release(sess)
	return fn(sess)
}

// Evict closes the pooled session of accountID if it is not checked out.
// It is used when an account is removed.
func (p *Pool) Evict(accountID string) {
	p.mu.Lock()
	e, ok := p.entries[accountID]
	p.mu.Unlock()
	if !ok {
		return
	}

	select {
	case e.sem <- struct{}{}:
		p.drop(e, "evicted")
		<-e.sem
	default:
	}
}

// Size returns the number of open pooled sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Close stops the janitor and logs out every idle session. Sessions still
// checked out are closed when they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, e := range entries {
		select {
		case e.sem <- struct{}{}:
			p.drop(e, "pool closed")
			<-e.sem
		default:
		}
	}
}

func (p *Pool) lookup(sess *Session) *poolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[sess.AccountID()]
	if !ok || e.sess != sess {
		return nil
	}
	return e
}

// drop disconnects the entry's session. The caller holds e.sem.
func (p *Pool) drop(e *poolEntry, reason string) {
	if e.sess == nil {
		return
	}
	p.log.WithFields(logrus.Fields{
		"account": e.sess.AccountID(),
		"reason":  reason,
	}).Debug("closing pooled IMAP session")

	// Disconnect logs its own failures; they do not matter here.
	_ = e.sess.Disconnect()
	e.sess = nil
	p.adjust(-1)
}

func (p *Pool) adjust(delta int) {
	p.mu.Lock()
	p.open += delta
	n := p.open
	p.mu.Unlock()
	metrics.PoolSize(n)
}

// janitor periodically evicts idle sessions.
func (p *Pool) janitor() {
	defer p.wg.Done()

	interval := p.idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		select {
		case e.sem <- struct{}{}:
			if e.sess != nil && time.Since(e.lastUsed) > p.idle {
				p.drop(e, "idle")
			}
			<-e.sem
		default:
		}
	}
}
