package cache

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/taskauth/internal/errors"
)

// pruneEvery is the number of Put calls between sweeps of expired
// entries in the memory store.
const pruneEvery = 64

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store for single-instance deployments. Expiry
// is checked on read; expired entries are swept opportunistically during
// Put so no background goroutine is needed.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	puts    int
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Put stores a copy of value under key.
func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	m.puts++
	if m.puts%pruneEvery == 0 {
		for k, e := range m.entries {
			if !now.Before(e.expiresAt) {
				delete(m.entries, k)
			}
		}
	}

	m.entries[key] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	}

	return nil
}

// Take removes and returns the value under key.
func (m *Memory) Take(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}

	delete(m.entries, key)

	if !m.now().Before(e.expiresAt) {
		return nil, apperrors.ErrNotFound
	}

	return e.value, nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}
