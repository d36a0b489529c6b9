// Package dimsetest provides a scriptable in-memory dimse.Engine for tests.
package dimsetest

import (
	"context"
	"sync"

	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// Operation names used by Calls
const (
	OpEcho     = "echo"
	OpFind     = "find"
	OpLocate   = "locate"
	OpRetrieve = "retrieve"
)

// Engine records every call and delegates to the optional hooks. Without a
// hook Find returns no matches, Locate one match, and Retrieve reports success
// without delivering any object.
type Engine struct {
	EchoFunc     func(ctx context.Context, peer dimse.Node) error
	FindFunc     func(ctx context.Context, peer dimse.Node, q dimse.Query) (*dimse.FindResult, error)
	LocateFunc   func(ctx context.Context, peer dimse.Node, q dimse.Query) (int, dimse.Status, error)
	RetrieveFunc func(ctx context.Context, peer dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error)

	mu     sync.Mutex
	calls  map[string]int
	active int
	peak   int
	// Retrieves holds every retrieve request in call order
	Retrieves []RetrieveCall
}

// RetrieveCall is one recorded retrieve
type RetrieveCall struct {
	Peer    string
	Request dimse.RetrieveRequest
}

func (e *Engine) record(op string, peer dimse.Node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls == nil {
		e.calls = make(map[string]int)
	}
	e.calls[op+":"+peer.AETitle]++
	e.calls[op]++
}

// Calls returns how often op was called, for one peer when aet is given
func (e *Engine) Calls(op string, aet ...string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(aet) > 0 {
		return e.calls[op+":"+aet[0]]
	}
	return e.calls[op]
}

// PeakRetrieves is the highest number of concurrently running retrieves
func (e *Engine) PeakRetrieves() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

func (e *Engine) Echo(ctx context.Context, peer dimse.Node) error {
	e.record(OpEcho, peer)
	if e.EchoFunc != nil {
		return e.EchoFunc(ctx, peer)
	}
	return nil
}

func (e *Engine) Find(ctx context.Context, peer dimse.Node, q dimse.Query) (*dimse.FindResult, error) {
	e.record(OpFind, peer)
	if e.FindFunc != nil {
		return e.FindFunc(ctx, peer, q)
	}
	return &dimse.FindResult{Status: dimse.StatusSuccess}, nil
}

func (e *Engine) Locate(ctx context.Context, peer dimse.Node, q dimse.Query) (int, dimse.Status, error) {
	e.record(OpLocate, peer)
	if e.LocateFunc != nil {
		return e.LocateFunc(ctx, peer, q)
	}
	return 1, dimse.StatusSuccess, nil
}

func (e *Engine) Retrieve(ctx context.Context, peer dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error) {
	e.record(OpRetrieve, peer)

	e.mu.Lock()
	e.Retrieves = append(e.Retrieves, RetrieveCall{Peer: peer.AETitle, Request: req})
	e.active++
	if e.active > e.peak {
		e.peak = e.active
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}()

	if e.RetrieveFunc != nil {
		return e.RetrieveFunc(ctx, peer, req)
	}
	return dimse.StatusSuccess, nil
}

// RetrieveCalls returns a copy of the recorded retrieves
func (e *Engine) RetrieveCalls() []RetrieveCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]RetrieveCall(nil), e.Retrieves...)
}
