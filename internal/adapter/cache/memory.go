package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process TTL cache used when LOCAL is set or
// CACHE_BACKEND=memory. Expired entries are dropped lazily on read
// and swept when the entry count crosses the eviction mark.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// sweepAt bounds the map size; a sweep removes expired entries first
// and only then falls back to dropping arbitrary ones.
const sweepAt = 4096

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

// Get returns the value for key, or ok=false if absent or expired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= sweepAt {
		m.sweepLocked()
	}
	m.entries[key] = memEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	for k := range m.entries {
		if len(m.entries) < sweepAt {
			break
		}
		delete(m.entries, k)
	}
}
