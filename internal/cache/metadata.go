package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

const (
	metadataNamespace = "meta"
	metadataSuffix    = "attrs"

	// used when eviction is disabled
	defaultMetadataTTL = time.Hour
)

// MetadataCache stores attributes parsed from cached instance files
type MetadataCache struct {
	cache Cache
	ttl   time.Duration
}

// NewMetadataCache wraps c. A non-positive ttl falls back to one hour.
func NewMetadataCache(c Cache, ttl time.Duration) *MetadataCache {
	if ttl <= 0 {
		ttl = defaultMetadataTTL
	}
	return &MetadataCache{cache: c, ttl: ttl}
}

func metadataKey(id models.Identifier) string {
	return CacheKey(metadataNamespace, id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID, metadataSuffix)
}

// Get returns the cached attributes of an instance, or ErrCacheMiss
func (m *MetadataCache) Get(ctx context.Context, id models.Identifier) (dicomfile.Dataset, error) {
	raw, err := m.cache.Get(ctx, metadataKey(id))
	if err != nil {
		return nil, err
	}
	var ds dicomfile.Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return nil, fmt.Errorf("failed to decode cached metadata: %w", err)
	}
	return ds, nil
}

// Set caches the attributes of an instance
func (m *MetadataCache) Set(ctx context.Context, id models.Identifier, ds dicomfile.Dataset) error {
	raw, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	return m.cache.Set(ctx, metadataKey(id), raw, m.ttl)
}

// ClearStudy drops every cached entry of a study
func (m *MetadataCache) ClearStudy(ctx context.Context, studyUID string) error {
	return m.cache.Clear(ctx, metadataNamespace+":"+studyUID+":*")
}

// IsMiss reports whether err is a cache miss
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
