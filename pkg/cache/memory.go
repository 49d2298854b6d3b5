package cache

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = 30 * time.Second

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a TTL-aware in-process cache. It is the default when
// no redis endpoint is configured.
type MemoryCache struct {
	mtx     sync.RWMutex
	entries map[string]memoryEntry
	stopCh  chan struct{}
	once    sync.Once
}

func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mtx.RLock()
	e, ok := c.entries[key]
	c.mtx.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		c.mtx.Lock()
		delete(c.entries, key)
		c.mtx.Unlock()
		return nil, false, nil
	}

	buf := make([]byte, len(e.value))
	copy(buf, e.value)
	return buf, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	c.mtx.Lock()
	c.entries[key] = memoryEntry{value: buf, expiresAt: expiresAt}
	c.mtx.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mtx.Lock()
	delete(c.entries, key)
	c.mtx.Unlock()
	return nil
}

func (c *MemoryCache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mtx.Lock()
			for k, e := range c.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mtx.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
