package adapters

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// AdapterFactory manages one adapter per registered peer
type AdapterFactory struct {
	mu       sync.RWMutex
	adapters map[string]PeerAdapter // keyed by peer AE title
	registry *peers.Registry
	engine   dimse.Engine
	log      zerolog.Logger
}

// NewAdapterFactory creates a new adapter factory
func NewAdapterFactory(registry *peers.Registry, engine dimse.Engine, logger zerolog.Logger) *AdapterFactory {
	return &AdapterFactory{
		adapters: make(map[string]PeerAdapter),
		registry: registry,
		engine:   engine,
		log:      logger,
	}
}

// GetAdapter gets or creates the adapter for a peer
func (f *AdapterFactory) GetAdapter(peer peers.Peer) (PeerAdapter, error) {
	f.mu.RLock()
	adapter, exists := f.adapters[peer.AETitle]
	f.mu.RUnlock()

	if exists {
		return adapter, nil
	}

	// Create new adapter
	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	if adapter, exists := f.adapters[peer.AETitle]; exists {
		return adapter, nil
	}

	adapter, err := NewDIMSEAdapter(peer, f.engine, f.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapter: %w", err)
	}

	f.adapters[peer.AETitle] = adapter
	return adapter, nil
}

// Adapters returns one adapter per peer in fallback order. Peers whose
// adapter cannot be built are skipped and logged.
func (f *AdapterFactory) Adapters() []PeerAdapter {
	list := f.registry.Peers()
	out := make([]PeerAdapter, 0, len(list))
	for _, p := range list {
		adapter, err := f.GetAdapter(p)
		if err != nil {
			f.log.Error().Err(err).Str("peer", p.AETitle).Msg("skipping peer")
			continue
		}
		out = append(out, adapter)
	}
	return out
}

// Lookup returns the adapter of the peer with the given AE title
func (f *AdapterFactory) Lookup(aet string) (PeerAdapter, error) {
	for _, p := range f.registry.Peers() {
		if p.AETitle == aet {
			return f.GetAdapter(p)
		}
	}
	return nil, fmt.Errorf("unknown peer %q", aet)
}

// CloseAll closes all adapters
func (f *AdapterFactory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errors []error
	for aet, adapter := range f.adapters {
		if err := adapter.Close(); err != nil {
			errors = append(errors, fmt.Errorf("failed to close adapter for peer %s: %w", aet, err))
		}
		delete(f.adapters, aet)
	}

	if len(errors) > 0 {
		return fmt.Errorf("encountered %d errors while closing adapters", len(errors))
	}

	return nil
}
