package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse/dimsetest"
)

func TestEnsureRetrievedDeduplicatesConcurrentCallers(t *testing.T) {
	release := make(chan struct{})
	engine := &dimsetest.Engine{}
	write := deliver(instance("S1", "S1.1", "S1.1.1"))
	engine.RetrieveFunc = func(ctx context.Context, peer dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error) {
		<-release
		return write(ctx, peer, req)
	}
	e := newEnv(t, engine, []string{"A"})

	id := models.Identifier{StudyInstanceUID: "S1"}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, id)
		}()
	}

	require.Eventually(t, func() bool { return e.coordinator.Waiters("S1") == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve))
	assert.Equal(t, 0, e.coordinator.Waiters("S1"))
	assert.True(t, e.store.HasInstance("S1", "S1.1.1"))
}

func TestEnsureRetrievedSharesFailure(t *testing.T) {
	release := make(chan struct{})
	engine := &dimsetest.Engine{
		RetrieveFunc: func(context.Context, dimse.Node, dimse.RetrieveRequest) (dimse.Status, error) {
			<-release
			return dimse.StatusUnableToProcess, nil
		},
	}
	e := newEnv(t, engine, []string{"A"})

	id := models.Identifier{StudyInstanceUID: "S1"}
	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, id) }()
	}
	require.Eventually(t, func() bool { return e.coordinator.Waiters("S1") == 2 }, time.Second, 5*time.Millisecond)
	close(release)

	for range 2 {
		assert.ErrorIs(t, <-errs, ErrNoSuitablePeer)
	}
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve))
}

func TestEnsureRetrievedBoundsAssociations(t *testing.T) {
	release := make(chan struct{})
	engine := &dimsetest.Engine{
		RetrieveFunc: func(ctx context.Context, peer dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error) {
			<-release
			return deliver(instance("S", "S.1", "S.1.1"))(ctx, peer, req)
		},
	}
	e := newEnv(t, engine, []string{"A"}, func(o *peers.Options, _ *GatewayOptions) {
		o.MaxAssociations = 2
	})

	var wg sync.WaitGroup
	for _, study := range []string{"S1", "S2", "S3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, models.Identifier{StudyInstanceUID: study})
		}()
	}

	require.Eventually(t, func() bool { return engine.Calls(dimsetest.OpRetrieve) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, engine.Calls(dimsetest.OpRetrieve), "third retrieval must wait for a slot")
	assert.Equal(t, 2, e.coordinator.Limiter().Stats().ActiveAssociations)

	close(release)
	wg.Wait()

	assert.Equal(t, 3, engine.Calls(dimsetest.OpRetrieve))
	assert.LessOrEqual(t, engine.PeakRetrieves(), 2)
}

func TestEnsureRetrievedFallsBackInOrder(t *testing.T) {
	engine := &dimsetest.Engine{}
	write := deliver(instance("S1", "S1.1", "S1.1.1"))
	engine.RetrieveFunc = func(ctx context.Context, peer dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error) {
		if peer.AETitle == "A" {
			return 0, errors.New("association rejected")
		}
		return write(ctx, peer, req)
	}
	e := newEnv(t, engine, []string{"A", "B"})

	err := e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, models.Identifier{StudyInstanceUID: "S1"})
	require.NoError(t, err)

	calls := engine.RetrieveCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "A", calls[0].Peer)
	assert.Equal(t, "B", calls[1].Peer)
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve, "B"))
	assert.True(t, e.store.HasInstance("S1", "S1.1.1"))
	assert.Equal(t, []string{"A:failure", "B:success"}, e.audit.statuses())
}

func TestEnsureRetrievedPrecheckSkipsPeerWithoutObject(t *testing.T) {
	engine := &dimsetest.Engine{
		LocateFunc: func(_ context.Context, peer dimse.Node, _ dimse.Query) (int, dimse.Status, error) {
			if peer.AETitle == "A" {
				return 0, dimse.StatusSuccess, nil
			}
			return 1, dimse.StatusSuccess, nil
		},
		RetrieveFunc: deliver(instance("S1", "S1.1", "S1.1.1")),
	}
	e := newEnv(t, engine, []string{"A", "B"}, func(o *peers.Options, _ *GatewayOptions) {
		o.PrecheckFind = true
	})

	require.NoError(t, e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, models.Identifier{StudyInstanceUID: "S1"}))

	assert.Equal(t, 1, engine.Calls(dimsetest.OpLocate, "A"))
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve, "A"))
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve, "B"))
	assert.Equal(t, []string{"A:skipped", "B:success"}, e.audit.statuses())
}

func TestEnsureRetrievedDoesNotCacheFailures(t *testing.T) {
	engine := &dimsetest.Engine{
		RetrieveFunc: func(context.Context, dimse.Node, dimse.RetrieveRequest) (dimse.Status, error) {
			return dimse.StatusOutOfResources, nil
		},
	}
	e := newEnv(t, engine, []string{"A", "B"})
	id := models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}

	err := e.coordinator.EnsureRetrieved(context.Background(), query.LevelSeries, id)
	assert.ErrorIs(t, err, ErrNoSuitablePeer)
	assert.Equal(t, 0, e.coordinator.Waiters("S1.1"))

	err = e.coordinator.EnsureRetrieved(context.Background(), query.LevelSeries, id)
	assert.ErrorIs(t, err, ErrNoSuitablePeer)
	assert.Equal(t, 4, engine.Calls(dimsetest.OpRetrieve))
}

func TestEnsureRetrievedRequestsLevelIdentifier(t *testing.T) {
	engine := &dimsetest.Engine{RetrieveFunc: deliver(instance("S1", "S1.1", "S1.1.1"))}
	e := newEnv(t, engine, []string{"A"})
	id := models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1"}

	require.NoError(t, e.coordinator.EnsureRetrieved(context.Background(), query.LevelSeries, id))

	calls := engine.RetrieveCalls()
	require.Len(t, calls, 1)
	q := calls[0].Request.Query
	level, _ := q.Get(query.TagQueryRetrieveLevel)
	assert.Equal(t, "SERIES", level)
	_, hasSOP := q.Get(query.TagSOPInstanceUID)
	assert.False(t, hasSOP)
	assert.NotEmpty(t, calls[0].Request.OutputDir)
	assert.NoDirExists(t, calls[0].Request.OutputDir, "staging is removed after ingest")
}

func TestEnsureRetrievedTriesNextPeerWhenNothingArrives(t *testing.T) {
	engine := &dimsetest.Engine{}
	write := deliver(instance("S1", "S1.1", "S1.1.1"))
	engine.RetrieveFunc = func(ctx context.Context, peer dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error) {
		if peer.AETitle == "A" {
			return dimse.StatusSuccess, nil
		}
		return write(ctx, peer, req)
	}
	e := newEnv(t, engine, []string{"A", "B"})

	require.NoError(t, e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, models.Identifier{StudyInstanceUID: "S1"}))

	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve, "A"))
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve, "B"))
	assert.Equal(t, []string{"A:failure", "B:success"}, e.audit.statuses())
	e.audit.mu.Lock()
	defer e.audit.mu.Unlock()
	assert.Contains(t, e.audit.entries[0].ErrorMessage, "delivered no instances")
	assert.Equal(t, 1, e.audit.entries[1].Files)
}

func TestEnsureRetrievedEmptyDeliveryFails(t *testing.T) {
	engine := &dimsetest.Engine{}
	e := newEnv(t, engine, []string{"A"})

	err := e.coordinator.EnsureRetrieved(context.Background(), query.LevelSeries, models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"})
	assert.ErrorIs(t, err, ErrNoSuitablePeer)
	assert.Equal(t, []string{"A:failure"}, e.audit.statuses())
}

func TestEnsureRetrievedAuditsStagingFailure(t *testing.T) {
	engine := &dimsetest.Engine{RetrieveFunc: deliver(instance("S1", "S1.1", "S1.1.1"))}
	e := newEnv(t, engine, []string{"A"})
	incoming := filepath.Join(e.store.Root(), ".incoming")
	require.NoError(t, os.RemoveAll(incoming))
	writeRaw(t, incoming, []byte("not a directory"))

	err := e.coordinator.EnsureRetrieved(context.Background(), query.LevelStudy, models.Identifier{StudyInstanceUID: "S1"})
	assert.ErrorIs(t, err, ErrNoSuitablePeer)
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve))
	assert.Equal(t, []string{"A:failure"}, e.audit.statuses())
}

func TestEnsureRetrievedRejectsBadInput(t *testing.T) {
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})

	err := e.coordinator.EnsureRetrieved(context.Background(), query.Level(0), models.Identifier{StudyInstanceUID: "S1"})
	assert.ErrorIs(t, err, ErrInvalidLevel)

	err = e.coordinator.EnsureRetrieved(context.Background(), query.LevelSeries, models.Identifier{StudyInstanceUID: "S1"})
	assert.ErrorIs(t, err, ErrMissingParameters)
}

func TestEnsureRetrievedCallerCancellation(t *testing.T) {
	release := make(chan struct{})
	engine := &dimsetest.Engine{
		RetrieveFunc: func(context.Context, dimse.Node, dimse.RetrieveRequest) (dimse.Status, error) {
			<-release
			return dimse.StatusSuccess, nil
		},
	}
	e := newEnv(t, engine, []string{"A"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.coordinator.EnsureRetrieved(ctx, query.LevelStudy, models.Identifier{StudyInstanceUID: "S1"})
	}()
	require.Eventually(t, func() bool { return engine.Calls(dimsetest.OpRetrieve) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 1, e.coordinator.Waiters("S1"), "retrieval keeps running")

	close(release)
	require.Eventually(t, func() bool { return e.coordinator.Waiters("S1") == 0 }, time.Second, 5*time.Millisecond)
}
