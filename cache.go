package stepflow

import (
	"context"
	"sync"
	"time"
)

// Cache is the aggregate-view cache keyed by workflow-instance id. The
// engine never reads through it; it only calls Clear after every ledger
// mutation so external readers never observe a stale instance view.
// Readers populate it lazily via Get and Set.
type Cache interface {
	Get(ctx context.Context, instanceID int64) ([]byte, bool, error)
	Set(ctx context.Context, instanceID int64, value []byte, ttl time.Duration) error
	Clear(ctx context.Context, instanceID int64) error
}

// MemCache is a goroutine-safe in-memory cache for tests and single-process
// deployments.
type MemCache struct {
	mu      sync.Mutex
	entries map[int64]memCacheEntry
}

type memCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemCache creates an empty in-memory cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[int64]memCacheEntry)}
}

var _ Cache = (*MemCache)(nil)

func (c *MemCache) Get(ctx context.Context, instanceID int64) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[instanceID]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, instanceID)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(ctx context.Context, instanceID int64, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memCacheEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	c.entries[instanceID] = e
	return nil
}

func (c *MemCache) Clear(ctx context.Context, instanceID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, instanceID)
	return nil
}
