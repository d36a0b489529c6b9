// Package cache stores parsed instance attributes so repeated metadata
// requests do not re-read files from the object cache.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache miss")

// Cache is a byte store with per-entry TTL
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Clear removes every key matching pattern; only a trailing * is a wildcard
	Clear(ctx context.Context, pattern string) error
	Close() error
}

// CacheKey joins the non-empty identifier parts under namespace
func CacheKey(namespace, studyUID, seriesUID, instanceUID, suffix string) string {
	parts := []string{namespace, studyUID}
	if seriesUID != "" {
		parts = append(parts, seriesUID)
	}
	if instanceUID != "" {
		parts = append(parts, instanceUID)
	}
	return strings.Join(append(parts, suffix), ":")
}
