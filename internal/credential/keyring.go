package credential

import (
	"errors"
	"fmt"
	"sync"

	"github.com/99designs/keyring"
)

const serviceName = "mailsync"

// ErrNotFound is returned when no password is stored for an account.
var ErrNotFound = errors.New("credential not found")

// Provider stores account passwords outside the local cache.
type Provider interface {
	Get(accountID string) (string, error)
	Set(accountID, password string) error
	Delete(accountID string) error
}

// Keyring stores passwords in the operating system keyring, falling back to
// an encrypted file backend.
type Keyring struct {
	fileDir string

	once sync.Once
	ring keyring.Keyring
	err  error
}

// NewKeyring returns a keyring-backed provider. fileDir is used only by the
// file backend.
func NewKeyring(fileDir string) *Keyring {
	return &Keyring{fileDir: fileDir}
}

// open returns a configured keyring instance, opening it on first use.
func (k *Keyring) open() (keyring.Keyring, error) {
	k.once.Do(func() {
		k.ring, k.err = keyring.Open(keyring.Config{
			ServiceName: serviceName,
			AllowedBackends: []keyring.BackendType{
				keyring.KeychainBackend,
				keyring.SecretServiceBackend,
				keyring.WinCredBackend,
				keyring.PassBackend,
				keyring.FileBackend,
			},
			FileDir:                  k.fileDir,
			FilePasswordFunc:         keyring.FixedStringPrompt("mailsync-file-key"),
			KeychainTrustApplication: true,
		})
		if k.err != nil {
			k.err = fmt.Errorf("opening keyring: %w", k.err)
		}
	})
	return k.ring, k.err
}

// Get retrieves the password for accountID.
func (k *Keyring) Get(accountID string) (string, error) {
	ring, err := k.open()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key(accountID))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("getting credential for %s: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential for %s: %w", accountID, err)
	}

	return string(item.Data), nil
}

// Set stores the password for accountID.
func (k *Keyring) Set(accountID, password string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:   key(accountID),
		Data:  []byte(password),
		Label: "mailsync IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", accountID, err)
	}

	return nil
}

// Delete removes the password for accountID. Deleting a missing entry is
// not an error.
func (k *Keyring) Delete(accountID string) error {
	ring, err := k.open()
	if err != nil {
		return err
	}

	err = ring.Remove(key(accountID))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential for %s: %w", accountID, err)
	}

	return nil
}

func key(accountID string) string {
	return "imap:" + accountID
}
