package kvstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero: never
}

// MemoryStore keeps values in process memory. It backs tests and is the
// fallback when the shared store is unavailable. With a TTL, every Set
// refreshes the key's expiry; expired keys read as missing and are
// removed by Sweep.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	ttl    time.Duration
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return NewExpiringMemoryStore(0)
}

// NewExpiringMemoryStore returns a store whose keys expire ttl after their
// last write. A ttl <= 0 keeps keys forever.
func NewExpiringMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.values[key]
	if !ok || e.expired(m.now()) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	e := memoryEntry{value: value}
	if m.ttl > 0 {
		e.expiresAt = m.now().Add(m.ttl)
	}

	m.mu.Lock()
	m.values[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.values, k)
	}
	m.mu.Unlock()
	return nil
}

// Sweep drops expired keys and returns how many it removed.
func (m *MemoryStore) Sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.values {
		if e.expired(now) {
			delete(m.values, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored keys, expired ones included until the
// next Sweep.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}
