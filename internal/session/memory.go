package session

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is an in-process Store backed by go-cache. Its contents vanish
// with the process.
type MemoryStore struct {
	c *gocache.Cache
}

// NewMemoryStore creates a MemoryStore whose entries default to defaultTTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	return &MemoryStore{c: gocache.New(defaultTTL, time.Minute)}
}

// Get retrieves a value.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	s, _ := v.(string)
	return s, true, nil
}

// Set stores a value for ttl.
func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

// Delete removes keys.
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}
