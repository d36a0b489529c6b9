// Package peers holds the read-only registry of DIMSE archives the gateway
// fronts, together with the local identity and the operating flags.
package peers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

// Peer is an archive in fallback order
type Peer struct {
	models.DicomNode
	Mode dimse.RetrieveMode `json:"mode"`
}

// Options are the gateway-wide operating flags
type Options struct {
	MaxAssociations int
	// CacheRetention below zero disables eviction
	CacheRetention time.Duration
	MinSearchChars int
	AppendWildcard bool
	PrecheckFind   bool
	// FetchLevel, when valid, coarsens every retrieval to at least this level
	FetchLevel query.Level
}

// Registry is built once at startup and never mutated
type Registry struct {
	local models.DicomNode
	peers []Peer
	opts  Options
}

// New validates and builds a registry
func New(local models.DicomNode, peers []Peer, opts Options) (*Registry, error) {
	if err := validateNode(local); err != nil {
		return nil, fmt.Errorf("local node: %w", err)
	}
	if len(peers) == 0 {
		return nil, errors.New("at least one peer is required")
	}
	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		if err := validateNode(p.DicomNode); err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.AETitle, err)
		}
		if seen[p.AETitle] {
			return nil, fmt.Errorf("duplicate peer AE title %q", p.AETitle)
		}
		seen[p.AETitle] = true
		if p.Mode != dimse.ModeCGet && p.Mode != dimse.ModeCMove {
			return nil, fmt.Errorf("peer %s: unknown retrieve mode %q", p.AETitle, p.Mode)
		}
	}
	if opts.MaxAssociations < 1 {
		return nil, errors.New("max associations must be at least 1")
	}
	if opts.MinSearchChars < 0 {
		opts.MinSearchChars = 0
	}

	return &Registry{
		local: local,
		peers: append([]Peer(nil), peers...),
		opts:  opts,
	}, nil
}

// Local returns the gateway's own AE identity
func (r *Registry) Local() models.DicomNode {
	return r.local
}

// Peers returns the peers in fallback order
func (r *Registry) Peers() []Peer {
	return append([]Peer(nil), r.peers...)
}

// Options returns the operating flags
func (r *Registry) Options() Options {
	return r.opts
}

// UsesMove reports whether any peer retrieves with C-MOVE
func (r *Registry) UsesMove() bool {
	for _, p := range r.peers {
		if p.Mode == dimse.ModeCMove {
			return true
		}
	}
	return false
}

func validateNode(n models.DicomNode) error {
	if n.AETitle == "" {
		return errors.New("AE title is required")
	}
	if len(n.AETitle) > 16 {
		return fmt.Errorf("AE title %q longer than 16 characters", n.AETitle)
	}
	if n.Host == "" {
		return errors.New("host is required")
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("invalid port %d", n.Port)
	}
	return nil
}

// ParsePeers reads a comma separated list of AET@host:port[/mode] entries
func ParsePeers(s string) ([]Peer, error) {
	var out []Peer
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := ParsePeer(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParsePeer reads a single AET@host:port[/mode] entry. The mode defaults to C-GET.
func ParsePeer(raw string) (Peer, error) {
	mode := dimse.ModeCGet
	if addr, m, ok := strings.Cut(raw, "/"); ok {
		raw = addr
		mode = dimse.RetrieveMode(strings.ToLower(m))
	}

	aet, addr, ok := strings.Cut(raw, "@")
	if !ok {
		return Peer{}, fmt.Errorf("peer %q: expected AET@host:port", raw)
	}
	host, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return Peer{}, fmt.Errorf("peer %q: missing port", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %q: invalid port: %w", raw, err)
	}

	return Peer{
		DicomNode: models.DicomNode{AETitle: aet, Host: host, Port: port},
		Mode:      mode,
	}, nil
}
