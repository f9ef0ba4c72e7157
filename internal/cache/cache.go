// Package cache provides the small key/value caching interface behind the
// gateway's per-base-URL health-check cache. The cache is an
// explicitly injected collaborator rather than ambient state; Cache is
// that collaborator's contract, with an in-memory default and an
// optional Redis-backed implementation for sharing state across
// multiple gateway processes on the same host. The Gemini
// reasoning-details replay cache (internal/middleware) and the
// model-metadata disk cache (internal/provider) do not go through it.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a minimal TTL key/value store. Values are opaque bytes —
// callers own their own (de)serialization.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Memory is the default in-process Cache, used when no shared backend
// is configured. Entries past their TTL are evicted lazily on access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memEntry{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	m.entries[key] = memEntry{value: value, expires: expires}
	return nil
}
