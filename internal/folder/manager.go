// Package folder creates, renames, deletes, and empties folders on the
// server and keeps the cached folder list in step.
package folder

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailbox"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// Remote is the part of a mailbox session folder management needs.
type Remote interface {
	ListFolders(ctx context.Context) ([]mailbox.RemoteFolder, error)
	CreateFolder(ctx context.Context, name string) error
	RenameFolder(ctx context.Context, oldName, newName string) error
	DeleteFolder(ctx context.Context, name string) error
	DeleteAll(ctx context.Context, folder string) (uint32, error)
}

// Manager applies folder changes remotely first and locally second. A
// remote failure leaves the cache untouched.
type Manager struct {
	store store.Store
	log   logrus.FieldLogger
}

func NewManager(s store.Store, log logrus.FieldLogger) *Manager {
	return &Manager{store: s, log: log}
}

// IsProtected reports whether name looks like a standard folder that must
// not be deleted.
func IsProtected(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range model.ProtectedFolderNames {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func validName(op, accountID, name string) error {
	if strings.TrimSpace(name) == "" {
		return mailerr.Newf(mailerr.KindFormat, op, "folder name is empty").WithAccount(accountID)
	}
	return nil
}

func storageErr(op, accountID, name string, err error) error {
	return mailerr.New(mailerr.KindStorage, op, err).WithAccount(accountID).WithFolder(name)
}

// diverged reports a cache write that failed after the server already
// applied the change.
func (m *Manager) diverged(op, accountID, name string, err error) error {
	metrics.Diverged()
	m.log.WithError(err).WithFields(logrus.Fields{
		"account": accountID,
		"folder":  name,
	}).Error("cache diverged from server")
	return mailerr.Diverged(op, err).WithAccount(accountID).WithFolder(name)
}

// Create creates name on the server and caches it with the delimiter the
// server reports.
func (m *Manager) Create(ctx context.Context, remote Remote, accountID, name string) (*model.Folder, error) {
	if err := validName("create folder", accountID, name); err != nil {
		return nil, err
	}
	if err := remote.CreateFolder(ctx, name); err != nil {
		return nil, err
	}

	delim := "/"
	if folders, err := remote.ListFolders(ctx); err == nil {
		for _, f := range folders {
			if f.Name == name {
				delim = f.Delimiter
				break
			}
		}
	} else {
		m.log.WithError(err).WithField("folder", name).Warn("listing folders after create failed; assuming '/'")
	}

	f := model.Folder{AccountID: accountID, Name: name, Delimiter: delim}
	if err := m.store.UpsertFolder(ctx, f); err != nil {
		return nil, m.diverged("create folder", accountID, name, err)
	}
	created, err := m.store.GetFolder(ctx, accountID, name)
	if err != nil {
		return nil, m.diverged("create folder", accountID, name, err)
	}

	m.log.WithFields(logrus.Fields{"account": accountID, "folder": name}).Info("folder created")
	return created, nil
}

// Rename renames oldName on the server, then re-keys the cached folder and
// its emails. Cached subfolders follow only when the server moved them too.
func (m *Manager) Rename(ctx context.Context, remote Remote, accountID, oldName, newName string) error {
	if err := validName("rename folder", accountID, newName); err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if err := remote.RenameFolder(ctx, oldName, newName); err != nil {
		return err
	}

	subtree := m.subtreeMoved(ctx, remote, accountID, oldName, newName)
	if err := m.store.RenameFolder(ctx, accountID, oldName, newName, subtree); err != nil {
		return m.diverged("rename folder", accountID, oldName, err)
	}

	m.log.WithFields(logrus.Fields{
		"account":  accountID,
		"old_name": oldName,
		"new_name": newName,
	}).Info("folder renamed")
	return nil
}

// subtreeMoved reports whether the server took oldName's subfolders along
// with the rename. Servers are required to, but some leave them in place;
// the cache follows whatever LIST shows afterwards.
func (m *Manager) subtreeMoved(ctx context.Context, remote Remote, accountID, oldName, newName string) bool {
	folders, err := remote.ListFolders(ctx)
	if err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"account": accountID,
			"folder":  newName,
		}).Warn("listing folders after rename failed; assuming subfolders moved")
		return true
	}

	delim := "/"
	for _, f := range folders {
		if f.Name == newName && f.Delimiter != "" {
			delim = f.Delimiter
			break
		}
	}
	for _, f := range folders {
		if strings.HasPrefix(f.Name, oldName+delim) {
			return false
		}
	}
	return true
}

// Delete removes name from the server and the cache. Standard folders are
// refused before anything is sent to the server.
func (m *Manager) Delete(ctx context.Context, remote Remote, accountID, name string) error {
	if err := validName("delete folder", accountID, name); err != nil {
		return err
	}
	if IsProtected(name) {
		return mailerr.Newf(mailerr.KindPolicy, "delete folder", "cannot delete system folder").
			WithAccount(accountID).WithFolder(name)
	}
	if err := remote.DeleteFolder(ctx, name); err != nil {
		return err
	}
	if err := m.store.DeleteFolder(ctx, accountID, name); err != nil {
		return m.diverged("delete folder", accountID, name, err)
	}

	m.log.WithFields(logrus.Fields{"account": accountID, "folder": name}).Info("folder deleted")
	return nil
}

// Empty permanently removes every message in name and drops the cached
// emails. It returns how many messages the server held.
func (m *Manager) Empty(ctx context.Context, remote Remote, accountID, name string) (uint32, error) {
	n, err := remote.DeleteAll(ctx, name)
	if err != nil {
		return 0, err
	}
	if _, err := m.store.ClearFolder(ctx, accountID, name); err != nil {
		return n, m.diverged("empty folder", accountID, name, err)
	}

	m.log.WithFields(logrus.Fields{
		"account": accountID,
		"folder":  name,
		"removed": n,
	}).Info("folder emptied")
	return n, nil
}

// Sync refreshes the cached folder list from the server. Cached folders the
// server no longer has are removed along with their emails.
func (m *Manager) Sync(ctx context.Context, remote Remote, accountID string) ([]model.Folder, error) {
	remoteFolders, err := remote.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool, len(remoteFolders))
	for _, rf := range remoteFolders {
		present[rf.Name] = true
		err := m.store.UpsertFolder(ctx, model.Folder{
			AccountID: accountID,
			Name:      rf.Name,
			Delimiter: rf.Delimiter,
		})
		if err != nil {
			return nil, storageErr("sync folders", accountID, rf.Name, err)
		}
	}

	cached, err := m.store.ListFolders(ctx, accountID)
	if err != nil {
		return nil, storageErr("sync folders", accountID, "", err)
	}

	kept := cached[:0]
	for _, f := range cached {
		if present[f.Name] {
			kept = append(kept, f)
			continue
		}
		if err := m.store.DeleteFolder(ctx, accountID, f.Name); err != nil {
			return nil, storageErr("sync folders", accountID, f.Name, err)
		}
		m.log.WithFields(logrus.Fields{"account": accountID, "folder": f.Name}).
			Info("removed folder no longer on server")
	}

	return kept, nil
}

// Stats summarizes the cached contents of a folder.
func (m *Manager) Stats(ctx context.Context, accountID, name string) (*model.FolderStats, error) {
	// A missing folder keeps store.ErrNotFound in the chain.
	if _, err := m.store.GetFolder(ctx, accountID, name); err != nil {
		return nil, storageErr("folder stats", accountID, name, err)
	}
	stats, err := m.store.FolderStats(ctx, accountID, name)
	if err != nil {
		return nil, storageErr("folder stats", accountID, name, err)
	}
	return stats, nil
}
