package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/adapters"
	"github.com/otcheredev/dicomweb-gateway/internal/metrics"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/storage"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// AuditRecorder persists one row per peer retrieve attempt
type AuditRecorder interface {
	Record(ctx context.Context, audit *models.RetrievalAudit) error
}

// pendingRetrieval is shared by every caller asking for the same lock id
type pendingRetrieval struct {
	done    chan struct{}
	err     error
	waiters int
}

// Coordinator makes sure at most one retrieval per lock id is running and
// bounds the number of concurrent associations.
type Coordinator struct {
	factory  *adapters.AdapterFactory
	store    *storage.Store
	limiter  *dimse.AssociationLimiter
	precheck bool
	audit    AuditRecorder
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRetrieval
}

// NewCoordinator creates a coordinator. audit may be nil.
func NewCoordinator(factory *adapters.AdapterFactory, store *storage.Store, opts peers.Options, audit AuditRecorder, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		factory:  factory,
		store:    store,
		limiter:  dimse.NewAssociationLimiter(opts.MaxAssociations),
		precheck: opts.PrecheckFind,
		audit:    audit,
		log:      logger.With().Str("component", "coordinator").Logger(),
		pending:  make(map[string]*pendingRetrieval),
	}
}

// Limiter exposes the association bound for health reporting
func (c *Coordinator) Limiter() *dimse.AssociationLimiter {
	return c.limiter
}

// Waiters returns how many callers are attached to the pending retrieval of
// lockID, 0 when none is running.
func (c *Coordinator) Waiters(lockID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[lockID]; ok {
		return p.waiters
	}
	return 0
}

// EnsureRetrieved pulls id at level into the object cache. Concurrent calls
// for the same lock id share one retrieval and its outcome. Cancelling ctx
// only stops the caller from waiting; the retrieval itself runs on.
func (c *Coordinator) EnsureRetrieved(ctx context.Context, level query.Level, id models.Identifier) error {
	if !level.Valid() {
		return ErrInvalidLevel
	}
	lockID := level.LockID(id)
	if lockID == "" || id.StudyInstanceUID == "" {
		return fmt.Errorf("%w: %s retrieval needs its UID", ErrMissingParameters, level)
	}

	c.mu.Lock()
	p, joined := c.pending[lockID]
	if !joined {
		p = &pendingRetrieval{done: make(chan struct{})}
		c.pending[lockID] = p
	}
	p.waiters++
	c.mu.Unlock()

	if joined {
		metrics.RetrievalsJoined.Inc()
		c.log.Debug().Str("lock_id", lockID).Msg("joined pending retrieval")
	} else {
		go c.run(context.WithoutCancel(ctx), p, level, id, lockID)
	}

	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, p *pendingRetrieval, level query.Level, id models.Identifier, lockID string) {
	metrics.RetrievalsInFlight.Inc()
	start := time.Now()

	err := c.retrieve(ctx, level, id, lockID)

	metrics.RetrievalsInFlight.Dec()
	metrics.Retrievals.WithLabelValues(level.String(), metrics.Outcome(err)).Inc()

	c.mu.Lock()
	delete(c.pending, lockID)
	p.err = err
	close(p.done)
	c.mu.Unlock()

	evt := c.log.Info()
	if err != nil {
		evt = c.log.Error().Err(err)
	}
	evt.Str("level", level.String()).
		Str("lock_id", lockID).
		Str("study_uid", id.StudyInstanceUID).
		Dur("duration", time.Since(start)).
		Msg("retrieval settled")
}

// retrieve tries each peer in order while holding one association slot
func (c *Coordinator) retrieve(ctx context.Context, level query.Level, id models.Identifier, lockID string) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("failed to acquire association slot: %w", err)
	}
	metrics.AssociationsActive.Inc()
	defer func() {
		metrics.AssociationsActive.Dec()
		c.limiter.Release()
	}()

	list := c.factory.Adapters()
	if len(list) == 0 {
		return fmt.Errorf("%w: %w", ErrNoSuitablePeer, ErrNoPeers)
	}

	var errs []error
	for _, adapter := range list {
		err := c.attempt(ctx, adapter, level, id, lockID)
		if err == nil {
			return nil
		}
		c.log.Warn().
			Err(err).
			Str("peer", adapter.Peer().AETitle).
			Str("lock_id", lockID).
			Msg("peer could not deliver, trying next")
		errs = append(errs, err)
	}
	return fmt.Errorf("%w for %s %s: %w", ErrNoSuitablePeer, level, lockID, errors.Join(errs...))
}

func (c *Coordinator) attempt(ctx context.Context, adapter adapters.PeerAdapter, level query.Level, id models.Identifier, lockID string) error {
	peer := adapter.Peer()
	start := time.Now()
	entry := &models.RetrievalAudit{
		LockID:      lockID,
		Level:       level.String(),
		StudyUID:    id.StudyInstanceUID,
		SeriesUID:   id.SeriesInstanceUID,
		InstanceUID: id.SOPInstanceUID,
		PeerAETitle: peer.AETitle,
		Mode:        string(peer.Mode),
	}

	if c.precheck {
		found, err := adapter.Locate(ctx, level, id)
		if err != nil {
			c.record(ctx, entry, models.AuditStatusFailure, 0, start, err)
			return fmt.Errorf("pre-check find: %w", err)
		}
		if !found {
			err := fmt.Errorf("%s does not hold %s %s", peer.AETitle, level, lockID)
			c.record(ctx, entry, models.AuditStatusSkipped, 0, start, err)
			return err
		}
	}

	var stage string
	if peer.Mode != dimse.ModeCMove {
		dir, err := c.store.NewStaging()
		if err != nil {
			c.record(ctx, entry, models.AuditStatusFailure, 0, start, err)
			return err
		}
		defer c.store.RemoveStaging(dir)
		stage = dir
	}

	if err := adapter.Retrieve(ctx, level, id, stage); err != nil {
		c.record(ctx, entry, models.AuditStatusFailure, 0, start, err)
		return err
	}

	source := stage
	if peer.Mode == dimse.ModeCMove {
		source = c.store.ReceiveDir()
	}
	files, err := c.store.Ingest(source)
	if err != nil {
		c.record(ctx, entry, models.AuditStatusFailure, files, start, err)
		return fmt.Errorf("failed to ingest retrieved files: %w", err)
	}
	if files == 0 && !c.held(level, id) {
		err := fmt.Errorf("%s reported success but delivered no instances", peer.AETitle)
		c.record(ctx, entry, models.AuditStatusFailure, 0, start, err)
		return err
	}

	c.record(ctx, entry, models.AuditStatusSuccess, files, start, nil)
	return nil
}

// held reports whether an instance-level target is already cached, which
// covers C-MOVE deliveries ingested by a concurrent retrieval.
func (c *Coordinator) held(level query.Level, id models.Identifier) bool {
	return level == query.LevelImage && c.store.HasInstance(id.StudyInstanceUID, id.SOPInstanceUID)
}

func (c *Coordinator) record(ctx context.Context, entry *models.RetrievalAudit, status string, files int, start time.Time, err error) {
	if c.audit == nil {
		return
	}
	entry.Status = status
	entry.Files = files
	entry.Duration = time.Since(start).Milliseconds()
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	if err := c.audit.Record(ctx, entry); err != nil {
		c.log.Warn().Err(err).Str("lock_id", entry.LockID).Msg("failed to record retrieval audit")
	}
}
