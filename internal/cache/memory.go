package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxEntries bounds a MemoryCache created with a non-positive size
const DefaultMaxEntries = 10000

const sweepInterval = time.Minute

type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryCache is a size bounded in-process Cache. The least recently used
// entry is dropped when it is full; expired entries are swept every minute.
type MemoryCache struct {
	entries *lru.Cache[string, *entry]
	done    chan struct{}
}

func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, *entry](maxEntries)
	if err != nil {
		// only returned for a non-positive size
		panic(fmt.Sprintf("cache: %v", err))
	}
	m := &MemoryCache{entries: entries, done: make(chan struct{})}
	go m.sweep()
	return m
}

func (m *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := m.entries.Get(key)
	if !ok || e.expired(time.Now()) {
		return nil, ErrCacheMiss
	}
	return e.value, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries.Add(key, &entry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	e, ok := m.entries.Peek(key)
	return ok && !e.expired(time.Now()), nil
}

func (m *MemoryCache) Clear(_ context.Context, pattern string) error {
	for _, key := range m.entries.Keys() {
		if matchPattern(key, pattern) {
			m.entries.Remove(key)
		}
	}
	return nil
}

// Len is the number of stored entries, expired ones included
func (m *MemoryCache) Len() int {
	return m.entries.Len()
}

func (m *MemoryCache) Close() error {
	close(m.done)
	return nil
}

func (m *MemoryCache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			m.removeExpired(now)
		case <-m.done:
			return
		}
	}
}

func (m *MemoryCache) removeExpired(now time.Time) {
	for _, key := range m.entries.Keys() {
		if e, ok := m.entries.Peek(key); ok && e.expired(now) {
			m.entries.Remove(key)
		}
	}
}

func matchPattern(s, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(s, prefix)
	}
	return s == pattern
}
