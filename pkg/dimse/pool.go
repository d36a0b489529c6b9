package dimse

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// AssociationLimiter bounds the number of retrieval associations open at once
// across all peers.
type AssociationLimiter struct {
	sem     *semaphore.Weighted
	maxSize int
	active  atomic.Int64
	peak    atomic.Int64
}

// NewAssociationLimiter creates a limiter with maxSize slots
func NewAssociationLimiter(maxSize int) *AssociationLimiter {
	if maxSize < 1 {
		maxSize = 1
	}
	return &AssociationLimiter{
		sem:     semaphore.NewWeighted(int64(maxSize)),
		maxSize: maxSize,
	}
}

// Acquire blocks until a slot is free or ctx is done
func (l *AssociationLimiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.active.Add(1)
	for {
		peak := l.peak.Load()
		if n <= peak || l.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release returns a slot
func (l *AssociationLimiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Stats returns limiter statistics
func (l *AssociationLimiter) Stats() PoolStats {
	return PoolStats{
		ActiveAssociations: int(l.active.Load()),
		PeakAssociations:   int(l.peak.Load()),
		MaxSize:            l.maxSize,
	}
}

// PoolStats holds limiter statistics
type PoolStats struct {
	ActiveAssociations int `json:"active"`
	PeakAssociations   int `json:"peak"`
	MaxSize            int `json:"max"`
}
