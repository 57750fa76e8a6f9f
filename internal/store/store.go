package store

import (
	"context"
	"errors"

	"github.com/nhle/mailsync/internal/ident"
	"github.com/nhle/mailsync/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIdentityMismatch is returned when an email's id does not encode
	// its own account, folder, and uid.
	ErrIdentityMismatch = errors.New("email id does not match its folder and uid")
)

// EmailFilter controls filtering and pagination for email queries.
type EmailFilter struct {
	AccountID string
	Folder    string // empty means every folder of the account
	Unread    bool
	Starred   bool
	Limit     int
	Offset    int
}

// Flag names a boolean email column that bulk actions may flip.
type Flag string

const (
	FlagRead    Flag = "is_read"
	FlagStarred Flag = "is_starred"
)

// EmailMove re-keys one cached email after a remote move. When To.UID is
// zero the destination uid is unknown and the row is dropped instead; it
// reappears on the next fetch of the destination folder.
type EmailMove struct {
	From ident.Key
	To   ident.Key
}

// UpsertResult describes what an email upsert did.
type UpsertResult struct {
	Inserted bool

	// ReplacedMessageID is set when an existing row with the same id held a
	// different Message-ID, meaning the server reused the uid.
	ReplacedMessageID string
}

// Store defines the persistence interface for accounts, folders, and cached
// emails.
type Store interface {
	// === Accounts ===

	CreateAccount(ctx context.Context, acc model.Account) (model.Account, error)
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// === Folders ===

	UpsertFolder(ctx context.Context, f model.Folder) error
	GetFolder(ctx context.Context, accountID, name string) (*model.Folder, error)
	ListFolders(ctx context.Context, accountID string) ([]model.Folder, error)
	RenameFolder(ctx context.Context, accountID, oldName, newName string, subtree bool) error
	DeleteFolder(ctx context.Context, accountID, name string) error
	ClearFolder(ctx context.Context, accountID, name string) (int64, error)
	SetFolderValidity(ctx context.Context, accountID, name string, uidValidity uint32, purge bool) (int64, error)
	MarkFolderSynced(ctx context.Context, accountID, name string) error
	FolderStats(ctx context.Context, accountID, name string) (*model.FolderStats, error)

	// === Emails ===

	UpsertEmail(ctx context.Context, e model.Email, atts []model.Attachment) (UpsertResult, error)
	GetEmail(ctx context.Context, id string) (*model.Email, error)
	ListEmails(ctx context.Context, filter EmailFilter) ([]model.Email, error)
	GetAttachments(ctx context.Context, emailID string) ([]model.Attachment, error)
	SetFlag(ctx context.Context, ids []string, flag Flag, value bool) error
	DeleteEmails(ctx context.Context, ids []string) error
	MoveEmails(ctx context.Context, moves []EmailMove) error

	// === Search ===

	SearchEmails(ctx context.Context, opts SearchOptions) (*SearchResult, error)
	SearchSuggestions(ctx context.Context, accountID, text string, limit int) ([]string, error)
}
