package adapters

import (
	"context"
	"fmt"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// PeerAdapter is the single place DIMSE statuses are interpreted. Every
// method returns nil only when the peer's final status means success.
type PeerAdapter interface {
	// Find runs a C-FIND and returns the matching identifiers
	Find(ctx context.Context, q dimse.Query) ([]dicomfile.Dataset, error)
	// Locate reports whether the peer holds id at level
	Locate(ctx context.Context, level query.Level, id models.Identifier) (bool, error)
	// Retrieve pulls id at level; C-GET output lands in outputDir
	Retrieve(ctx context.Context, level query.Level, id models.Identifier, outputDir string) error

	// Connection management
	TestConnection(ctx context.Context) (*models.ConnectionStatus, error)
	Close() error

	// Adapter info
	Peer() peers.Peer
	Capabilities() []string
}

// StatusError is a final DIMSE status that is not acceptable for the operation
type StatusError struct {
	Operation string
	Peer      string
	Status    dimse.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s on %s completed with status %s", e.Operation, e.Peer, e.Status)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	peer peers.Peer
}

func (b *BaseAdapter) Peer() peers.Peer {
	return b.peer
}

func (b *BaseAdapter) Close() error {
	return nil
}
