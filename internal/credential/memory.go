package credential

import (
	"fmt"
	"sync"
)

// Memory keeps passwords in process memory. It is used by tests and by the
// "memory" credentials backend.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemory returns an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) Get(accountID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pw, ok := m.items[accountID]
	if !ok {
		return "", fmt.Errorf("getting credential for %s: %w", accountID, ErrNotFound)
	}
	return pw, nil
}

func (m *Memory) Set(accountID, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[accountID] = password
	return nil
}

func (m *Memory) Delete(accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, accountID)
	return nil
}
