// Package sync keeps cached accounts fresh by polling their servers in the
// background.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// State represents the current state of an account's sync.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	}
	return "idle"
}

// Status holds the sync state for a single account.
type Status struct {
	AccountID string
	State     State
	LastSync  time.Time
	Error     error
}

// Result is sent after every sync attempt of an account.
type Result struct {
	AccountID string
	Reports   []*ingest.Report
	Error     error

	// AuthFailed is set when the server rejected the stored credentials.
	// Polling continues, but every attempt will fail until they change.
	AuthFailed bool

	// NewCount is the number of messages stored by this attempt.
	NewCount int
}

// Syncer performs one full sync of an account.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string) ([]*ingest.Report, error)
}

// DefaultTimeout bounds a single account sync.
const DefaultTimeout = 2 * time.Minute

type accountEntry struct {
	id      string
	trigger chan struct{}
}

// Poller orchestrates background polling of registered accounts. Each
// account is polled by its own goroutine.
type Poller struct {
	syncer   Syncer
	interval time.Duration
	timeout  time.Duration
	log      logrus.FieldLogger

	accounts []*accountEntry
	statuses map[string]*Status
	resultCh chan Result
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// New creates a Poller running syncer every interval.
func New(syncer Syncer, interval time.Duration, log logrus.FieldLogger) *Poller {
	if interval <= 0 {
		interval = model.DefaultSyncEvery
	}
	return &Poller{
		syncer:   syncer,
		interval: interval,
		timeout:  DefaultTimeout,
		log:      log,
		statuses: make(map[string]*Status),
		resultCh: make(chan Result, 16),
		stopCh:   make(chan struct{}),
	}
}

// SetTimeout overrides the per-sync timeout. It must be called before
// Start.
func (p *Poller) SetTimeout(d time.Duration) {
	if d > 0 {
		p.timeout = d
	}
}

// Register adds an account. Accounts registered after Start begin polling
// immediately.
func (p *Poller) Register(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.statuses[accountID]; ok {
		return
	}
	entry := &accountEntry{id: accountID, trigger: make(chan struct{}, 1)}
	p.accounts = append(p.accounts, entry)
	p.statuses[accountID] = &Status{AccountID: accountID, State: StateIdle}

	if p.running {
		p.wg.Add(1)
		go p.pollAccount(entry)
	}
}

// Start launches one polling goroutine per registered account.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	for _, entry := range p.accounts {
		p.wg.Add(1)
		go p.pollAccount(entry)
	}
}

// Stop halts all polling goroutines and waits for in-flight syncs.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
}

// Results delivers one Result per sync attempt. Results are dropped when
// nobody reads them.
func (p *Poller) Results() <-chan Result {
	return p.resultCh
}

// RefreshAll triggers an immediate sync of every account.
func (p *Poller) RefreshAll() {
	p.mu.Lock()
	accounts := make([]*accountEntry, len(p.accounts))
	copy(accounts, p.accounts)
	p.mu.Unlock()

	for _, entry := range accounts {
		select {
		case entry.trigger <- struct{}{}:
		default:
			// A sync is already queued.
		}
	}
}

// RefreshAccount triggers an immediate sync of one account.
func (p *Poller) RefreshAccount(accountID string) {
	p.mu.Lock()
	var target *accountEntry
	for _, entry := range p.accounts {
		if entry.id == accountID {
			target = entry
			break
		}
	}
	p.mu.Unlock()

	if target == nil {
		return
	}
	select {
	case target.trigger <- struct{}{}:
	default:
	}
}

// Statuses returns the current sync status of all registered accounts.
func (p *Poller) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]Status, 0, len(p.statuses))
	for _, entry := range p.accounts {
		statuses = append(statuses, *p.statuses[entry.id])
	}
	return statuses
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(entry *accountEntry) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.syncOnce(entry.id)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.syncOnce(entry.id)
		case <-entry.trigger:
			p.syncOnce(entry.id)
		}
	}
}

// syncOnce performs a single sync and publishes its result.
func (p *Poller) syncOnce(accountID string) {
	p.setStatus(accountID, StateRunning, nil)
	log := p.log.WithField("account", accountID)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	reports, err := p.syncer.SyncAccount(ctx, accountID)

	stored := 0
	for _, r := range reports {
		if r != nil {
			stored += r.Stored
		}
	}

	if err != nil {
		p.setStatus(accountID, StateError, err)
		res := Result{AccountID: accountID, Reports: reports, Error: err, NewCount: stored}
		if mailerr.IsAuthError(err) {
			res.AuthFailed = true
			log.WithError(err).Error("authentication failed; update the account password")
		} else {
			log.WithError(err).Warn("account sync failed")
		}
		p.sendResult(res)
		return
	}

	p.setStatus(accountID, StateIdle, nil)
	log.WithField("stored", stored).Debug("account synced")
	p.sendResult(Result{AccountID: accountID, Reports: reports, NewCount: stored})
}

// setStatus updates the sync status for an account.
func (p *Poller) setStatus(accountID string, state State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[accountID]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == StateIdle && err == nil {
		status.LastSync = time.Now()
	}
}

// sendResult sends a Result without blocking.
func (p *Poller) sendResult(res Result) {
	select {
	case p.resultCh <- res:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
