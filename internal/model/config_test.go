package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultFetchLimit, cfg.IMAP.FetchLimit)
	assert.Equal(t, DefaultOpTimeout, cfg.IMAP.OpTimeout)
	assert.Equal(t, DefaultIdleTimeout, cfg.IMAP.IdleTimeout)
	assert.Equal(t, "keyring", cfg.Credentials.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
database:
  path: /tmp/mail.db
imap:
  fetch_limit: 20
  op_timeout: 15s
sync:
  interval: 1m
  folders: [INBOX, Archive]
log:
  level: debug
  json: true
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/mail.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.IMAP.FetchLimit)
	assert.Equal(t, 15*time.Second, cfg.IMAP.OpTimeout)
	assert.Equal(t, DefaultDialTimeout, cfg.IMAP.DialTimeout)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, []string{"INBOX", "Archive"}, cfg.Sync.Folders)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MAILSYNC_IMAP_FETCH_LIMIT", "7")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.IMAP.FetchLimit)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultAppConfig()
	cfg.Database.Path = "/var/lib/mail.db"
	cfg.IMAP.FetchLimit = 75
	cfg.Sync.Interval = 90 * time.Second

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/mail.db", loaded.Database.Path)
	assert.Equal(t, 75, loaded.IMAP.FetchLimit)
	assert.Equal(t, 90*time.Second, loaded.Sync.Interval)
}

func TestAccountLogin(t *testing.T) {
	assert.Equal(t, "me@example.com", Account{Email: "me@example.com"}.Login())
	assert.Equal(t, "me", Account{Email: "me@example.com", IMAPUsername: "me"}.Login())
}
