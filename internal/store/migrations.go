package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id            TEXT PRIMARY KEY,
	email         TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	imap_host     TEXT NOT NULL,
	imap_port     INTEGER NOT NULL DEFAULT 993,
	imap_username TEXT NOT NULL DEFAULT '',
	imap_tls      INTEGER NOT NULL DEFAULT 1,
	imap_starttls INTEGER NOT NULL DEFAULT 0,
	smtp_host     TEXT NOT NULL DEFAULT '',
	smtp_port     INTEGER NOT NULL DEFAULT 587,
	smtp_username TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	delimiter  TEXT NOT NULL DEFAULT '/',
	UNIQUE (account_id, name)
);

CREATE TABLE IF NOT EXISTS emails (
	id              TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	folder_id       TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	uid             INTEGER NOT NULL,
	message_id      TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	from_addr       TEXT NOT NULL DEFAULT '',
	to_addr         TEXT NOT NULL DEFAULT '',
	date            TEXT NOT NULL DEFAULT '',
	is_read         INTEGER NOT NULL DEFAULT 0,
	is_starred      INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	preview         TEXT NOT NULL DEFAULT '',
	headers         TEXT NOT NULL DEFAULT '',
	cached_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_emails_folder ON emails(folder_id);
CREATE INDEX IF NOT EXISTS idx_emails_account ON emails(account_id);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE folders ADD COLUMN uid_validity INTEGER NOT NULL DEFAULT 0;
ALTER TABLE folders ADD COLUMN last_synced DATETIME;

CREATE TABLE IF NOT EXISTS attachments (
	email_id  TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE ON UPDATE CASCADE,
	filename  TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	size      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_attachments_email ON attachments(email_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_emails_folder_uid ON emails(folder_id, uid);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
