package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicomweb-gateway/internal/adapters"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
)

// PeerStatusStore persists the latest echo result per peer
type PeerStatusStore interface {
	Upsert(ctx context.Context, status *models.PeerStatus) error
	List(ctx context.Context) ([]models.PeerStatus, error)
}

// PeerService handles connection tests against the configured peers
type PeerService struct {
	factory  *adapters.AdapterFactory
	statuses PeerStatusStore
	log      zerolog.Logger
}

// NewPeerService creates a peer service. statuses may be nil.
func NewPeerService(factory *adapters.AdapterFactory, statuses PeerStatusStore, logger zerolog.Logger) *PeerService {
	return &PeerService{
		factory:  factory,
		statuses: statuses,
		log:      logger.With().Str("component", "peers").Logger(),
	}
}

// Peers lists the registry in fallback order
func (s *PeerService) Peers() []peers.Peer {
	list := s.factory.Adapters()
	out := make([]peers.Peer, 0, len(list))
	for _, a := range list {
		out = append(out, a.Peer())
	}
	return out
}

// TestConnection echoes one peer by AE title
func (s *PeerService) TestConnection(ctx context.Context, aet string) (*models.ConnectionStatus, error) {
	adapter, err := s.factory.Lookup(aet)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	status, _ := adapter.TestConnection(ctx)
	s.persist(ctx, adapter.Peer(), status)
	return status, nil
}

// EchoAll echoes every peer concurrently. An unreachable peer is reported in
// its status; the error is only set when ctx ended before every echo
// completed, in which case the statuses gathered so far are still returned.
func (s *PeerService) EchoAll(ctx context.Context) ([]*models.ConnectionStatus, error) {
	list := s.factory.Adapters()
	out := make([]*models.ConnectionStatus, len(list))

	var g errgroup.Group
	for i, adapter := range list {
		g.Go(func() error {
			status, _ := adapter.TestConnection(ctx)
			s.persist(ctx, adapter.Peer(), status)
			out[i] = status
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("echo interrupted: %w", err)
	}
	return out, nil
}

// History returns the persisted echo results
func (s *PeerService) History(ctx context.Context) ([]models.PeerStatus, error) {
	if s.statuses == nil {
		return nil, errors.New("peer status persistence is disabled")
	}
	return s.statuses.List(ctx)
}

func (s *PeerService) persist(ctx context.Context, peer peers.Peer, status *models.ConnectionStatus) {
	if s.statuses == nil || status == nil {
		return
	}
	record := &models.PeerStatus{
		AETitle:              peer.AETitle,
		Host:                 peer.Host,
		Port:                 peer.Port,
		LastConnectionTest:   status.LastChecked,
		LastConnectionStatus: status.IsConnected,
		LastResponseTime:     status.ResponseTime,
		LastError:            status.ErrorMessage,
	}
	if err := s.statuses.Upsert(ctx, record); err != nil {
		s.log.Warn().Err(err).Str("peer", peer.AETitle).Msg("failed to persist peer status")
	}
}
