package session

import (
	"context"
	"sort"
	"sync"

	"github.com/aixgo-dev/convergence/pkg/chat"
)

// MemoryStore keeps histories in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[string]map[string]*chat.History
	closed    bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{histories: make(map[string]map[string]*chat.History)}
}

func (m *MemoryStore) Get(ctx context.Context, agent, session string) (*chat.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	h, ok := m.histories[agent][session]
	if !ok {
		return nil, nil
	}
	return h.Clone(), nil
}

func (m *MemoryStore) Set(ctx context.Context, agent, session string, history *chat.History) error {
	if err := validateKey(agent, session); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if m.histories[agent] == nil {
		m.histories[agent] = make(map[string]*chat.History)
	}
	m.histories[agent][session] = history.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, agent, session string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	delete(m.histories[agent], session)
	return nil
}

func (m *MemoryStore) Sessions(ctx context.Context, agent string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	ids := make([]string, 0, len(m.histories[agent]))
	for id := range m.histories[agent] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
