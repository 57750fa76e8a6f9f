// Package app wires the cache, credential provider, session pool, and mail
// components into the command surface used by the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/folder"
	"github.com/nhle/mailsync/internal/ingest"
	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/reconcile"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

// Service is the application command surface. All methods are safe for
// concurrent use; commands on one account are serialized by the pool.
type Service struct {
	cfg      *model.AppConfig
	store    store.Store
	creds    credential.Provider
	pool     *mailbox.Pool
	ingester *ingest.Ingester
	engine   *reconcile.Engine
	folders  *folder.Manager
	log      logrus.FieldLogger
}

// New creates a Service. Close releases its pooled connections.
func New(cfg *model.AppConfig, s store.Store, creds credential.Provider, log logrus.FieldLogger) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    s,
		creds:    creds,
		ingester: ingest.New(s, cfg.IMAP.FetchLimit, log),
		engine:   reconcile.NewEngine(s, log),
		folders:  folder.NewManager(s, log),
		log:      log,
	}
	svc.pool = mailbox.NewPool(svc.resolve, cfg.IMAP.IdleTimeout, log)
	return svc
}

// Close logs out every pooled session.
func (s *Service) Close() {
	s.pool.Close()
}

// resolve builds the session config of an account from the cache and the
// credential provider.
func (s *Service) resolve(ctx context.Context, accountID string) (mailbox.Config, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return mailbox.Config{}, err
	}
	password, err := s.creds.Get(accountID)
	if err != nil {
		return mailbox.Config{}, fmt.Errorf("loading password for %s: %w", acc.Email, err)
	}
	return mailbox.ConfigFor(*acc, password, s.cfg.IMAP), nil
}

// withSession runs fn on the account's pooled session. When retry is set a
// transport failure is retried once on a fresh connection; only read-only
// commands retry, since a mutation may have reached the server.
func (s *Service) withSession(
	ctx context.Context,
	accountID string,
	retry bool,
	fn func(*mailbox.Session) error,
) error {
	err := s.pool.With(ctx, accountID, fn)
	if err != nil && retry && mailerr.Retryable(err) && ctx.Err() == nil {
		s.log.WithError(err).WithField("account", accountID).Info("retrying on a fresh connection")
		err = s.pool.With(ctx, accountID, fn)
	}
	return err
}

// === Accounts ===

// AddAccount validates and stores a new account and its password. The
// server is not contacted; use TestConnection for that.
func (s *Service) AddAccount(ctx context.Context, acc model.Account, password string) (model.Account, error) {
	const op = "add account"

	acc.Email = strings.TrimSpace(acc.Email)
	acc.IMAPHost = strings.TrimSpace(acc.IMAPHost)
	if !strings.Contains(acc.Email, "@") {
		return model.Account{}, commandErr(op, mailerr.Newf(mailerr.KindFormat, op, "invalid email address %q", acc.Email))
	}
	if acc.IMAPHost == "" {
		return model.Account{}, commandErr(op, mailerr.Newf(mailerr.KindFormat, op, "IMAP host is required"))
	}
	if password == "" {
		return model.Account{}, commandErr(op, mailerr.Newf(mailerr.KindFormat, op, "password is required"))
	}
	if acc.IMAPPort == 0 {
		acc.IMAPPort = 143
		if acc.IMAPTLS {
			acc.IMAPPort = 993
		}
	}
	if acc.IMAPUsername == "" {
		acc.IMAPUsername = acc.Email
	}

	created, err := s.store.CreateAccount(ctx, acc)
	if err != nil {
		return model.Account{}, commandErr(op, err)
	}
	if err := s.creds.Set(created.ID, password); err != nil {
		if delErr := s.store.DeleteAccount(ctx, created.ID); delErr != nil {
			s.log.WithError(delErr).WithField("account", created.ID).Error("failed to roll back account")
		}
		return model.Account{}, commandErr(op, fmt.Errorf("storing password: %w", err))
	}

	s.log.WithFields(logrus.Fields{"account": created.ID, "email": created.Email}).Info("account added")
	return created, nil
}

// ListAccounts returns every configured account.
func (s *Service) ListAccounts(ctx context.Context) ([]model.Account, error) {
	accounts, err := s.store.ListAccounts(ctx)
	return accounts, commandErr("list accounts", err)
}

// RemoveAccount deletes an account with its cached folders, emails, and
// stored password.
func (s *Service) RemoveAccount(ctx context.Context, accountID string) error {
	const op = "remove account"

	s.pool.Evict(accountID)
	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		return commandErr(op, err)
	}
	if err := s.creds.Delete(accountID); err != nil {
		s.log.WithError(err).WithField("account", accountID).Warn("failed to delete stored password")
	}

	s.log.WithField("account", accountID).Info("account removed")
	return nil
}

// TestConnection logs in with a dedicated session and lists the folders.
// It returns the number of folders seen.
func (s *Service) TestConnection(ctx context.Context, accountID string) (int, error) {
	const op = "test connection"

	cfg, err := s.resolve(ctx, accountID)
	if err != nil {
		return 0, commandErr(op, err)
	}
	sess, err := mailbox.Connect(ctx, accountID, cfg, s.log)
	if err != nil {
		return 0, commandErr(op, err)
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			s.log.WithError(err).Debug("disconnect after connection test")
		}
	}()

	folders, err := sess.ListFolders(ctx)
	if err != nil {
		return 0, commandErr(op, err)
	}
	return len(folders), nil
}

// === Folders and emails ===

// SyncFolders refreshes the cached folder list of an account.
func (s *Service) SyncFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var folders []model.Folder
	err := s.withSession(ctx, accountID, true, func(sess *mailbox.Session) error {
		var err error
		folders, err = s.folders.Sync(ctx, sess, accountID)
		return err
	})
	if err != nil {
		return nil, commandErr("sync folders", err)
	}
	return folders, nil
}

// FetchEmails fetches the newest messages of a folder into the cache and
// returns the cached emails of the folder, newest first. limit <= 0 uses
// the configured fetch limit.
func (s *Service) FetchEmails(ctx context.Context, accountID, folderName string, limit int) ([]model.Email, error) {
	const op = "fetch emails"

	in := s.ingester
	if limit > 0 {
		in = ingest.New(s.store, limit, s.log)
	} else {
		limit = s.cfg.IMAP.FetchLimit
	}

	err := s.withSession(ctx, accountID, true, func(sess *mailbox.Session) error {
		_, err := in.SyncFolder(ctx, sess, accountID, folderName)
		return err
	})
	if err != nil {
		return nil, commandErr(op, err)
	}

	emails, err := s.store.ListEmails(ctx, store.EmailFilter{
		AccountID: accountID,
		Folder:    folderName,
		Limit:     limit,
	})
	return emails, commandErr(op, err)
}

// ListEmails queries the cache without contacting the server.
func (s *Service) ListEmails(ctx context.Context, filter store.EmailFilter) ([]model.Email, error) {
	emails, err := s.store.ListEmails(ctx, filter)
	return emails, commandErr("list emails", err)
}

// GetEmail returns one cached email and its attachment metadata.
func (s *Service) GetEmail(ctx context.Context, id string) (*model.Email, []model.Attachment, error) {
	const op = "get email"

	e, err := s.store.GetEmail(ctx, id)
	if err != nil {
		return nil, nil, commandErr(op, err)
	}
	atts, err := s.store.GetAttachments(ctx, id)
	if err != nil {
		return nil, nil, commandErr(op, err)
	}
	return e, atts, nil
}

// Search queries the cache without contacting the server.
func (s *Service) Search(ctx context.Context, opts store.SearchOptions) (*store.SearchResult, error) {
	const op = "search"

	if opts.Folder != "" && opts.AccountID == "" {
		return nil, commandErr(op, mailerr.Newf(mailerr.KindFormat, op, "a folder filter needs an account"))
	}
	if opts.DateFrom != nil && opts.DateTo != nil && opts.DateFrom.After(*opts.DateTo) {
		return nil, commandErr(op, mailerr.Newf(mailerr.KindFormat, op, "date range starts after it ends"))
	}

	res, err := s.store.SearchEmails(ctx, opts)
	if err != nil {
		return nil, commandErr(op, err)
	}
	return res, nil
}

// SearchSuggestions returns subjects and senders containing text.
func (s *Service) SearchSuggestions(ctx context.Context, accountID, text string, limit int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	out, err := s.store.SearchSuggestions(ctx, accountID, text, limit)
	return out, commandErr("search suggestions", err)
}

// === Bulk actions ===

// ApplyAction runs action over ids. The result is returned even when some
// items failed; the error then summarizes the failures.
func (s *Service) ApplyAction(
	ctx context.Context,
	accountID string,
	action reconcile.Action,
	ids []string,
) (*reconcile.Result, error) {
	op := "apply action"
	if action != nil {
		op = action.Name()
	}

	var res *reconcile.Result
	err := s.withSession(ctx, accountID, false, func(sess *mailbox.Session) error {
		var err error
		res, err = s.engine.Apply(ctx, sess, reconcile.Batch{
			AccountID: accountID,
			IDs:       ids,
			Action:    action,
		})
		return err
	})
	if err != nil {
		return res, commandErr(op, err)
	}
	return res, commandErr(op, res.Err())
}

func (s *Service) MarkRead(ctx context.Context, accountID string, ids []string) (*reconcile.Result, error) {
	return s.ApplyAction(ctx, accountID, reconcile.MarkRead{}, ids)
}

func (s *Service) MarkUnread(ctx context.Context, accountID string, ids []string) (*reconcile.Result, error) {
	return s.ApplyAction(ctx, accountID, reconcile.MarkUnread{}, ids)
}

func (s *Service) Star(ctx context.Context, accountID string, ids []string) (*reconcile.Result, error) {
	return s.ApplyAction(ctx, accountID, reconcile.Star{}, ids)
}

func (s *Service) Unstar(ctx context.Context, accountID string, ids []string) (*reconcile.Result, error) {
	return s.ApplyAction(ctx, accountID, reconcile.Unstar{}, ids)
}

func (s *Service) Delete(ctx context.Context, accountID string, ids []string) (*reconcile.Result, error) {
	return s.ApplyAction(ctx, accountID, reconcile.Delete{}, ids)
}

// Move moves ids into target on the same account.
func (s *Service) Move(ctx context.Context, accountID string, ids []string, target string) (*reconcile.Result, error) {
	return s.ApplyAction(ctx, accountID, reconcile.Move{Target: target}, ids)
}

// === Folder lifecycle ===

func (s *Service) CreateFolder(ctx context.Context, accountID, name string) (*model.Folder, error) {
	var f *model.Folder
	err := s.withSession(ctx, accountID, false, func(sess *mailbox.Session) error {
		var err error
		f, err = s.folders.Create(ctx, sess, accountID, name)
		return err
	})
	if err != nil {
		return nil, commandErr("create folder", err)
	}
	return f, nil
}

func (s *Service) RenameFolder(ctx context.Context, accountID, oldName, newName string) error {
	err := s.withSession(ctx, accountID, false, func(sess *mailbox.Session) error {
		return s.folders.Rename(ctx, sess, accountID, oldName, newName)
	})
	return commandErr("rename folder", err)
}

// DeleteFolder deletes a folder. Standard folders such as INBOX are
// refused without contacting the server.
func (s *Service) DeleteFolder(ctx context.Context, accountID, name string) error {
	const op = "delete folder"

	if folder.IsProtected(name) {
		return commandErr(op, mailerr.Newf(mailerr.KindPolicy, op, "cannot delete system folder").
			WithAccount(accountID).WithFolder(name))
	}
	err := s.withSession(ctx, accountID, false, func(sess *mailbox.Session) error {
		return s.folders.Delete(ctx, sess, accountID, name)
	})
	return commandErr(op, err)
}

// EmptyFolder permanently removes every message of a folder and returns
// how many there were.
func (s *Service) EmptyFolder(ctx context.Context, accountID, name string) (uint32, error) {
	var n uint32
	err := s.withSession(ctx, accountID, false, func(sess *mailbox.Session) error {
		var err error
		n, err = s.folders.Empty(ctx, sess, accountID, name)
		return err
	})
	return n, commandErr("empty folder", err)
}

func (s *Service) FolderStats(ctx context.Context, accountID, name string) (*model.FolderStats, error) {
	stats, err := s.folders.Stats(ctx, accountID, name)
	if err != nil {
		return nil, commandErr("folder stats", err)
	}
	return stats, nil
}

// === Sync ===

// SyncAccount refreshes the folder list and ingests every configured
// folder. A folder the server refuses to select is logged and skipped; a
// broken connection stops the sync.
func (s *Service) SyncAccount(ctx context.Context, accountID string) ([]*ingest.Report, error) {
	var reports []*ingest.Report
	err := s.withSession(ctx, accountID, true, func(sess *mailbox.Session) error {
		reports = reports[:0]

		folders, err := s.folders.Sync(ctx, sess, accountID)
		if err != nil {
			return err
		}

		for _, name := range s.foldersToSync(folders) {
			report, err := s.ingester.SyncFolder(ctx, sess, accountID, name)
			if err != nil {
				if !sess.Healthy() || ctx.Err() != nil {
					return err
				}
				s.log.WithError(err).WithFields(logrus.Fields{
					"account": accountID,
					"folder":  name,
				}).Warn("skipping folder")
				continue
			}
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return reports, commandErr("sync account", err)
	}
	return reports, nil
}

func (s *Service) foldersToSync(cached []model.Folder) []string {
	present := make(map[string]bool, len(cached))
	for _, f := range cached {
		present[f.Name] = true
	}

	if len(s.cfg.Sync.Folders) > 0 {
		var names []string
		for _, name := range s.cfg.Sync.Folders {
			if present[name] {
				names = append(names, name)
			}
		}
		return names
	}

	names := make([]string, 0, len(cached))
	for _, f := range cached {
		names = append(names, f.Name)
	}
	return names
}

// SyncAll syncs every account in parallel. Reports are keyed by account
// id; the error joins the failures of individual accounts.
func (s *Service) SyncAll(ctx context.Context) (map[string][]*ingest.Report, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, commandErr("sync all", err)
	}

	var (
		wg      gosync.WaitGroup
		mu      gosync.Mutex
		errs    []error
		reports = make(map[string][]*ingest.Report, len(accounts))
	)
	for _, acc := range accounts {
		wg.Add(1)
		go func(acc model.Account) {
			defer wg.Done()
			r, err := s.SyncAccount(ctx, acc.ID)

			mu.Lock()
			defer mu.Unlock()
			reports[acc.ID] = r
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", acc.Email, err))
			}
		}(acc)
	}
	wg.Wait()

	if len(errs) > 0 {
		return reports, commandErr("sync all", errors.Join(errs...))
	}
	return reports, nil
}

// NewPoller returns a background poller covering every configured account.
// The caller starts and stops it.
func (s *Service) NewPoller(ctx context.Context) (*sync.Poller, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, commandErr("start polling", err)
	}

	p := sync.New(s, s.cfg.Sync.Interval, s.log)
	for _, acc := range accounts {
		p.Register(acc.ID)
	}
	return p, nil
}
