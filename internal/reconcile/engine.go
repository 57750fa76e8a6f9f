// Package reconcile applies bulk actions to messages on the server and then
// brings the local cache in line with what actually happened remotely.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/emersion/go-imap/v2"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/store"
)

// Outcome is the fate of one item of a batch.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Batch is one action over a set of cached email ids of one account.
type Batch struct {
	AccountID string
	IDs       []string
	Action    Action
}

// ItemResult reports what happened to one id of a batch.
type ItemResult struct {
	ID      string
	Key     ident.Key
	Outcome Outcome
	Err     error

	// DestUID is the uid in the target folder after a move, or zero when
	// the server did not report it.
	DestUID uint32
}

// Result holds the per-item results of a batch in input order.
type Result struct {
	Action string
	Items  []ItemResult

	// CacheErr is set when the server accepted the changes but the local
	// cache could not be updated.
	CacheErr error
}

func (r *Result) count(o Outcome) int {
	n := 0
	for _, it := range r.Items {
		if it.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Result) Succeeded() int { return r.count(OutcomeSucceeded) }
func (r *Result) Failed() int    { return r.count(OutcomeFailed) }
func (r *Result) Skipped() int   { return r.count(OutcomeSkipped) }

// Err summarizes the batch: nil when every item succeeded and the cache
// followed, otherwise an error naming the first failure.
func (r *Result) Err() error {
	if r.CacheErr != nil {
		return r.CacheErr
	}
	for _, it := range r.Items {
		if it.Outcome != OutcomeSucceeded {
			return fmt.Errorf("%s: %d of %d items not applied, first %s: %w",
				r.Action, len(r.Items)-r.Succeeded(), len(r.Items), it.ID, it.Err)
		}
	}
	return nil
}

// Remote is the part of a mailbox session the engine drives.
type Remote interface {
	Healthy() bool
	ExistingUIDs(ctx context.Context, folder string, uids []uint32) (map[uint32]bool, error)
	MutateFlags(ctx context.Context, folder string, uid uint32, delta mailbox.FlagDelta) error
	CopyMessage(ctx context.Context, folder string, uid uint32, dest string) (uint32, error)
	Expunge(ctx context.Context, folder string) error
}

// Engine applies batches.
type Engine struct {
	store store.Store
	log   logrus.FieldLogger
}

// NewEngine creates an Engine updating s after remote changes.
func NewEngine(s store.Store, log logrus.FieldLogger) *Engine {
	return &Engine{store: s, log: log}
}

// batchRun is the state of one Apply call.
type batchRun struct {
	ctx    context.Context
	remote Remote
	batch  Batch
	res    *Result
	log    logrus.FieldLogger

	// fatal is set once the session breaks; every item not yet attempted
	// fails with it.
	fatal error
}

// Apply runs b against remote. Item failures are recorded in the result and
// do not stop the batch. The returned error is only set for an invalid
// batch or when the cache diverged from the server.
func (e *Engine) Apply(ctx context.Context, remote Remote, b Batch) (*Result, error) {
	if b.Action == nil {
		return nil, mailerr.Newf(mailerr.KindFormat, "apply action", "no action given").WithAccount(b.AccountID)
	}
	change, isFlag, err := flagChangeFor(b.Action)
	if err != nil {
		return nil, mailerr.New(mailerr.KindFormat, "apply action", err).WithAccount(b.AccountID)
	}

	run := &batchRun{
		ctx:    ctx,
		remote: remote,
		batch:  b,
		res:    &Result{Action: b.Action.Name(), Items: make([]ItemResult, len(b.IDs))},
		log: e.log.WithFields(logrus.Fields{
			"account": b.AccountID,
			"action":  b.Action.Name(),
		}),
	}

	groups := run.decode()
	folders := make([]string, 0, len(groups))
	for f := range groups {
		folders = append(folders, f)
	}
	sort.Strings(folders)

	for _, folder := range folders {
		run.applyFolder(folder, groups[folder], change, isFlag)
	}

	if err := e.updateCache(ctx, run, change, isFlag); err != nil {
		run.res.CacheErr = mailerr.Diverged("update cache", err).WithAccount(b.AccountID)
		metrics.Diverged()
		run.log.WithError(err).Error("cache diverged from server")
	}

	res := run.res
	metrics.BulkItems(res.Action, OutcomeSucceeded.String(), res.Succeeded())
	metrics.BulkItems(res.Action, OutcomeFailed.String(), res.Failed())
	metrics.BulkItems(res.Action, OutcomeSkipped.String(), res.Skipped())

	run.log.WithFields(logrus.Fields{
		"succeeded": res.Succeeded(),
		"failed":    res.Failed(),
		"skipped":   res.Skipped(),
	}).Info("bulk action applied")

	if res.CacheErr != nil {
		return res, res.CacheErr
	}
	return res, nil
}

// decode resolves every id and groups item indexes by folder. Malformed
// and repeated ids are skipped.
func (r *batchRun) decode() map[string][]int {
	groups := make(map[string][]int)
	seen := make(map[string]bool, len(r.batch.IDs))
	target := ""
	if mv, ok := r.batch.Action.(Move); ok {
		target = mv.Target
	}

	for i, id := range r.batch.IDs {
		item := &r.res.Items[i]
		item.ID = id

		key, err := ident.DecodeForAccount(r.batch.AccountID, id)
		if err != nil {
			r.skip(item, err)
			continue
		}
		item.Key = key

		// UIDs are non-zero; a zero in a UID set makes strict servers
		// reject the whole command.
		if key.UID == 0 {
			r.skip(item, mailerr.Newf(mailerr.KindFormat, "decode id", "invalid uid 0 in %s", id))
			continue
		}

		if seen[id] {
			r.skip(item, mailerr.Newf(mailerr.KindFormat, "decode id", "duplicate id %s", id))
			continue
		}
		seen[id] = true

		if target != "" && key.Folder == target {
			r.skip(item, mailerr.Newf(mailerr.KindPolicy, "move", "already in %s", target).
				WithFolder(key.Folder).WithUID(key.UID))
			continue
		}

		groups[key.Folder] = append(groups[key.Folder], i)
	}
	return groups
}

func (r *batchRun) skip(item *ItemResult, err error) {
	item.Outcome = OutcomeSkipped
	item.Err = err
	r.log.WithError(err).WithField("id", item.ID).Warn("skipping item")
}

func (r *batchRun) fail(idx []int, err error) {
	for _, i := range idx {
		r.res.Items[i].Outcome = OutcomeFailed
		r.res.Items[i].Err = err
	}
}

// noteBroken records err as fatal when it left the session unusable.
func (r *batchRun) noteBroken(err error) {
	if r.fatal == nil && !r.remote.Healthy() {
		r.fatal = err
	}
}

func (r *batchRun) applyFolder(folder string, idx []int, change flagChange, isFlag bool) {
	if r.fatal != nil {
		r.fail(idx, r.fatal)
		return
	}

	uids := make([]uint32, len(idx))
	for n, i := range idx {
		uids[n] = r.res.Items[i].Key.UID
	}
	found, err := r.remote.ExistingUIDs(r.ctx, folder, uids)
	if err != nil {
		r.fail(idx, err)
		r.noteBroken(err)
		return
	}

	var pending []int
	for n, i := range idx {
		if r.fatal != nil {
			r.fail(idx[n:], r.fatal)
			break
		}

		item := &r.res.Items[i]
		uid := item.Key.UID
		if !found[uid] {
			item.Outcome = OutcomeFailed
			item.Err = mailerr.Newf(mailerr.KindProtocol, r.batch.Action.Name(), "message not found").
				WithAccount(r.batch.AccountID).WithFolder(folder).WithUID(uid)
			continue
		}

		if err := r.mutate(folder, item, change, isFlag); err != nil {
			item.Outcome = OutcomeFailed
			item.Err = err
			r.log.WithError(err).WithFields(logrus.Fields{"folder": folder, "uid": uid}).Warn("item failed")
			r.noteBroken(err)
			continue
		}

		if isFlag {
			item.Outcome = OutcomeSucceeded
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) == 0 {
		return
	}
	if r.fatal != nil {
		r.fail(pending, r.fatal)
		return
	}
	if err := r.remote.Expunge(r.ctx, folder); err != nil {
		r.fail(pending, err)
		r.noteBroken(err)
		return
	}
	for _, i := range pending {
		r.res.Items[i].Outcome = OutcomeSucceeded
	}
}

func (r *batchRun) mutate(folder string, item *ItemResult, change flagChange, isFlag bool) error {
	uid := item.Key.UID
	if isFlag {
		return r.remote.MutateFlags(r.ctx, folder, uid, change.delta)
	}

	if mv, ok := r.batch.Action.(Move); ok {
		destUID, err := r.remote.CopyMessage(r.ctx, folder, uid, mv.Target)
		if err != nil {
			return err
		}
		item.DestUID = destUID
	}
	return r.remote.MutateFlags(r.ctx, folder, uid, mailbox.FlagDelta{Add: []imap.Flag{imap.FlagDeleted}})
}

// updateCache mirrors the succeeded items into the store in one
// transaction.
func (e *Engine) updateCache(ctx context.Context, r *batchRun, change flagChange, isFlag bool) error {
	var ids []string
	var moves []store.EmailMove
	mv, isMove := r.batch.Action.(Move)

	for _, it := range r.res.Items {
		if it.Outcome != OutcomeSucceeded {
			continue
		}
		ids = append(ids, it.ID)
		if isMove {
			moves = append(moves, store.EmailMove{
				From: it.Key,
				To:   ident.Key{AccountID: it.Key.AccountID, Folder: mv.Target, UID: it.DestUID},
			})
		}
	}
	if len(ids) == 0 {
		return nil
	}

	switch {
	case isFlag:
		return e.store.SetFlag(ctx, ids, change.flag, change.value)
	case isMove:
		return e.store.MoveEmails(ctx, moves)
	default:
		return e.store.DeleteEmails(ctx, ids)
	}
}
