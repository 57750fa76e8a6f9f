// Package ingest fetches messages from a folder, parses them, and
// reconciles them into the local cache.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Remote is the part of a mailbox session ingestion needs.
type Remote interface {
	SelectFolder(ctx context.Context, folder string) (*mailbox.FolderStatus, error)
	FetchMessages(ctx context.Context, folder string, limit int) ([]mailbox.RawMessage, error)
}

// Report summarizes one folder sync.
type Report struct {
	Folder  string
	Fetched int
	Stored  int
	Skipped int

	// Purged counts cached emails dropped because the folder's
	// UIDVALIDITY changed.
	Purged int64

	// Replaced counts cached emails whose uid now names a different
	// message.
	Replaced int
}

// Ingester syncs folders into the cache.
type Ingester struct {
	store store.Store
	log   logrus.FieldLogger
	limit int
}

// New creates an Ingester fetching at most limit messages per folder.
func New(s store.Store, limit int, log logrus.FieldLogger) *Ingester {
	if limit <= 0 {
		limit = model.DefaultFetchLimit
	}
	return &Ingester{store: s, log: log, limit: limit}
}

// SyncFolder fetches the newest messages of folder and upserts them. A
// message that fails to parse or store is logged and skipped; only
// failures affecting the whole folder are returned.
func (in *Ingester) SyncFolder(
	ctx context.Context,
	remote Remote,
	accountID, folder string,
) (*Report, error) {
	log := in.log.WithFields(logrus.Fields{"account": accountID, "folder": folder})
	report := &Report{Folder: folder}

	status, err := remote.SelectFolder(ctx, folder)
	if err != nil {
		return nil, err
	}

	purged, err := in.checkValidity(ctx, accountID, folder, status.UIDValidity)
	if err != nil {
		return nil, mailerr.New(mailerr.KindStorage, "check uid validity", err).
			WithAccount(accountID).WithFolder(folder)
	}
	if purged > 0 {
		log.WithFields(logrus.Fields{
			"uid_validity": status.UIDValidity,
			"purged":       purged,
		}).Warn("UIDVALIDITY changed; dropped cached emails")
	}
	report.Purged = purged

	msgs, err := remote.FetchMessages(ctx, folder, in.limit)
	if err != nil {
		return nil, err
	}
	report.Fetched = len(msgs)

	for _, m := range msgs {
		msgLog := log.WithField("uid", m.UID)

		parsed, err := ParseRaw(m.Body)
		if err != nil {
			msgLog.WithError(err).Warn("skipping unparseable message")
			metrics.Ingested("parse_error")
			report.Skipped++
			continue
		}

		rec := ToCacheRecord(parsed, accountID, folder, m.UID, m.Flags)
		res, err := in.store.UpsertEmail(ctx, rec, parsed.Attachments)
		if err != nil {
			msgLog.WithError(err).Warn("failed to cache message")
			metrics.Ingested("store_error")
			report.Skipped++
			continue
		}
		if res.ReplacedMessageID != "" {
			msgLog.WithFields(logrus.Fields{
				"old_message_id": res.ReplacedMessageID,
				"new_message_id": rec.MessageID,
			}).Warn("uid reused by a different message; replaced cached email")
			report.Replaced++
		}

		metrics.Ingested("stored")
		report.Stored++
	}

	if err := in.store.MarkFolderSynced(ctx, accountID, folder); err != nil {
		return report, mailerr.New(mailerr.KindStorage, "mark folder synced", err).
			WithAccount(accountID).WithFolder(folder)
	}

	log.WithFields(logrus.Fields{
		"fetched": report.Fetched,
		"stored":  report.Stored,
		"skipped": report.Skipped,
	}).Info("folder synced")

	return report, nil
}

// checkValidity makes sure the folder row exists and records the
// server's UIDVALIDITY. Cached emails are purged when it changed.
func (in *Ingester) checkValidity(
	ctx context.Context,
	accountID, folder string,
	uidValidity uint32,
) (int64, error) {
	f, err := in.store.GetFolder(ctx, accountID, folder)
	if errors.Is(err, store.ErrNotFound) {
		err = in.store.UpsertFolder(ctx, model.Folder{
			AccountID:   accountID,
			Name:        folder,
			UIDValidity: uidValidity,
		})
		if err != nil {
			return 0, fmt.Errorf("caching folder %s: %w", folder, err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if f.UIDValidity == uidValidity {
		return 0, nil
	}
	return in.store.SetFolderValidity(ctx, accountID, folder, uidValidity, f.UIDValidity != 0)
}
