package model

import "time"

// Standard folder names that folder deletion refuses to touch. Matching is a
// case-insensitive substring test against the folder name.
var ProtectedFolderNames = []string{"inbox", "sent", "trash", "drafts"}

// Folder is a cached remote mailbox.
type Folder struct {
	// ID is "{account_id}-{name}".
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	Name      string `json:"name" db:"name"`
	Delimiter string `json:"delimiter" db:"delimiter"`

	// UIDValidity is the last UIDVALIDITY observed on SELECT. Zero means
	// the folder has never been selected.
	UIDValidity uint32 `json:"uid_validity" db:"uid_validity"`

	LastSynced *time.Time `json:"last_synced,omitempty" db:"last_synced"`
}

// Email is the cached projection of one remote message.
type Email struct {
	// ID is "{account_id}-{folder}-{uid}" and must agree with FolderID and
	// UID.
	ID        string `json:"id" db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	FolderID  string `json:"folder_id" db:"folder_id"`
	UID       uint32 `json:"uid" db:"uid"`

	// MessageID is the RFC 5322 Message-ID header, used to detect a UID
	// that now names a different message.
	MessageID string `json:"message_id" db:"message_id"`

	Subject string `json:"subject" db:"subject"`
	From    string `json:"from" db:"from_addr"`

	// To holds the recipients joined with ", ".
	To   string `json:"to" db:"to_addr"`
	Date string `json:"date" db:"date"`

	IsRead         bool `json:"is_read" db:"is_read"`
	IsStarred      bool `json:"is_starred" db:"is_starred"`
	HasAttachments bool `json:"has_attachments" db:"has_attachments"`

	// Preview is at most PreviewLength runes of the body text.
	Preview string `json:"preview" db:"preview"`

	// Headers is the raw header block of the message.
	Headers string `json:"-" db:"headers"`

	CachedAt time.Time `json:"cached_at" db:"cached_at"`
}

// PreviewLength is the maximum number of runes kept in Email.Preview.
const PreviewLength = 100

// Attachment is metadata for one attachment of a cached email. Content is
// not stored.
type Attachment struct {
	EmailID  string `json:"email_id" db:"email_id"`
	Filename string `json:"filename" db:"filename"`
	MIMEType string `json:"mime_type" db:"mime_type"`
	Size     int64  `json:"size" db:"size"`
}

// FolderStats summarizes the cached contents of a folder.
type FolderStats struct {
	Total           int `json:"total" db:"total"`
	Unread          int `json:"unread" db:"unread"`
	Starred         int `json:"starred" db:"starred"`
	WithAttachments int `json:"with_attachments" db:"with_attachments"`
}
