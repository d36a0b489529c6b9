package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/metrics"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// ErrPending is returned when a find ends on a pending status
var ErrPending = errors.New("query still pending")

// DIMSEAdapter talks to one peer through the engine
type DIMSEAdapter struct {
	BaseAdapter
	engine dimse.Engine
	log    zerolog.Logger
}

// NewDIMSEAdapter creates a new DIMSE adapter
func NewDIMSEAdapter(peer peers.Peer, engine dimse.Engine, logger zerolog.Logger) (*DIMSEAdapter, error) {
	if peer.AETitle == "" {
		return nil, fmt.Errorf("AE Title (Called AE) is required for DIMSE connection")
	}
	if peer.Host == "" {
		return nil, fmt.Errorf("host is required for DIMSE connection")
	}
	if peer.Port == 0 {
		return nil, fmt.Errorf("port is required for DIMSE connection")
	}
	if engine == nil {
		return nil, fmt.Errorf("DIMSE engine is required")
	}

	l := logger.With().
		Str("peer", peer.AETitle).
		Str("endpoint", fmt.Sprintf("%s:%d", peer.Host, peer.Port)).
		Logger()

	l.Debug().Str("mode", string(peer.Mode)).Msg("Created DIMSE adapter")

	return &DIMSEAdapter{
		BaseAdapter: BaseAdapter{peer: peer},
		engine:      engine,
		log:         l,
	}, nil
}

func (d *DIMSEAdapter) Capabilities() []string {
	if d.peer.Mode == dimse.ModeCMove {
		return []string{"C-ECHO", "C-FIND", "C-MOVE"}
	}
	return []string{"C-ECHO", "C-FIND", "C-GET"}
}

// TestConnection tests the peer connection using C-ECHO
func (d *DIMSEAdapter) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		Peer:        d.peer.AETitle,
		LastChecked: start,
		IsConnected: false,
	}

	err := d.engine.Echo(ctx, d.peer.DicomNode)
	status.ResponseTime = time.Since(start).Milliseconds()
	d.observe("echo", start, err)

	if err != nil {
		status.ErrorMessage = fmt.Sprintf("C-ECHO failed: %v", err)
		d.log.Warn().
			Err(err).
			Int64("response_time_ms", status.ResponseTime).
			Msg("DIMSE C-ECHO failed")
		return status, err
	}

	status.IsConnected = true
	status.Capabilities = d.Capabilities()

	d.log.Info().
		Int64("response_time_ms", status.ResponseTime).
		Msg("DIMSE C-ECHO successful")

	return status, nil
}

// Find executes a C-FIND with the given identifier
func (d *DIMSEAdapter) Find(ctx context.Context, q dimse.Query) ([]dicomfile.Dataset, error) {
	level, _ := q.Get(query.TagQueryRetrieveLevel)
	start := time.Now()

	result, err := d.engine.Find(ctx, d.peer.DicomNode, q)
	if err == nil {
		switch {
		case result.Status.IsPending():
			d.log.Info().Str("level", level).Msg("C-FIND is pending")
			err = fmt.Errorf("C-FIND on %s: %w", d.peer.AETitle, ErrPending)
		case !result.Status.IsSuccess():
			err = &StatusError{Operation: "C-FIND", Peer: d.peer.AETitle, Status: result.Status}
		}
	}
	d.observe("find", start, err)

	if err != nil {
		d.log.Error().
			Err(err).
			Str("level", level).
			Dur("duration", time.Since(start)).
			Msg("C-FIND failed")
		return nil, err
	}

	d.log.Info().
		Str("level", level).
		Int("num_results", len(result.Datasets)).
		Dur("duration", time.Since(start)).
		Msg("C-FIND completed successfully")
	return result.Datasets, nil
}

// Locate checks whether the peer holds id at level
func (d *DIMSEAdapter) Locate(ctx context.Context, level query.Level, id models.Identifier) (bool, error) {
	start := time.Now()
	matches, status, err := d.engine.Locate(ctx, d.peer.DicomNode, level.RetrieveQuery(id))
	if err == nil && !status.IsSuccess() {
		err = &StatusError{Operation: "C-FIND", Peer: d.peer.AETitle, Status: status}
	}
	d.observe("locate", start, err)

	if err != nil {
		d.log.Warn().
			Err(err).
			Str("level", level.String()).
			Str("lock_id", level.LockID(id)).
			Msg("pre-check find failed")
		return false, err
	}
	return matches > 0, nil
}

// Retrieve pulls id at level with the peer's configured mode
func (d *DIMSEAdapter) Retrieve(ctx context.Context, level query.Level, id models.Identifier, outputDir string) error {
	op := "C-GET"
	if d.peer.Mode == dimse.ModeCMove {
		op = "C-MOVE"
	}

	start := time.Now()
	status, err := d.engine.Retrieve(ctx, d.peer.DicomNode, dimse.RetrieveRequest{
		Mode:      d.peer.Mode,
		Query:     level.RetrieveQuery(id),
		OutputDir: outputDir,
	})
	if err == nil && !status.Accepted() {
		err = &StatusError{Operation: op, Peer: d.peer.AETitle, Status: status}
	}
	d.observe("retrieve", start, err)

	if err != nil {
		d.log.Error().
			Err(err).
			Str("level", level.String()).
			Str("lock_id", level.LockID(id)).
			Dur("duration", time.Since(start)).
			Msgf("%s failed", op)
		return err
	}

	evt := d.log.Info()
	if status.IsWarning() {
		evt = d.log.Warn().Str("status", status.String())
	}
	evt.Str("level", level.String()).
		Str("lock_id", level.LockID(id)).
		Dur("duration", time.Since(start)).
		Msgf("%s completed", op)
	return nil
}

func (d *DIMSEAdapter) observe(op string, start time.Time, err error) {
	metrics.DIMSEOperations.WithLabelValues(op, d.peer.AETitle, metrics.Outcome(err)).Inc()
	metrics.DIMSEDuration.WithLabelValues(op, d.peer.AETitle).Observe(time.Since(start).Seconds())
}
