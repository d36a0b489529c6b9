// Package dimse is the boundary to the DIMSE network engine. Callers describe
// what to find or retrieve; the engine performs the association work and
// reports the final status code without interpreting it.
package dimse

import (
	"context"
	"fmt"

	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

// Node is a network-addressable DICOM application entity
type Node struct {
	AETitle string `json:"aet"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// String returns the node in AET@host:port form
func (n Node) String() string {
	return fmt.Sprintf("%s@%s:%d", n.AETitle, n.Host, n.Port)
}

// RetrieveMode selects how objects are pulled from a peer
type RetrieveMode string

const (
	ModeCGet  RetrieveMode = "c-get"
	ModeCMove RetrieveMode = "c-move"
)

// Element is one key of a query identifier. Key is an 8 hex digit tag.
// An empty Value requests the attribute as a return key.
type Element struct {
	Key   string
	Value string
}

// Query is an ordered query identifier
type Query []Element

// Get returns the value stored for key
func (q Query) Get(key string) (string, bool) {
	for _, e := range q {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// FindResult holds every matching dataset of a C-FIND and its final status
type FindResult struct {
	Datasets []dicomfile.Dataset
	Status   Status
}

// RetrieveRequest asks a peer for every object matching Query. With C-GET
// the objects are written into OutputDir; with C-MOVE they arrive at the
// local store SCP.
type RetrieveRequest struct {
	Mode      RetrieveMode
	Query     Query
	OutputDir string
}

// Engine performs DIMSE operations against a peer
type Engine interface {
	Echo(ctx context.Context, peer Node) error
	Find(ctx context.Context, peer Node, query Query) (*FindResult, error)
	// Locate counts the matches of an identifier-only query
	Locate(ctx context.Context, peer Node, query Query) (int, Status, error)
	Retrieve(ctx context.Context, peer Node, req RetrieveRequest) (Status, error)
}
