package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicomweb-gateway/internal/adapters"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

// Finder fans a search out to every peer and merges the answers
type Finder struct {
	factory *adapters.AdapterFactory
	builder query.Builder
	log     zerolog.Logger
}

// NewFinder creates a finder using the search options of the registry
func NewFinder(factory *adapters.AdapterFactory, opts peers.Options, logger zerolog.Logger) *Finder {
	return &Finder{
		factory: factory,
		builder: query.Builder{
			MinChars:       opts.MinSearchChars,
			AppendWildcard: opts.AppendWildcard,
		},
		log: logger.With().Str("component", "finder").Logger(),
	}
}

// Find searches every peer at level. UIDs set in scope are added as
// matching keys. A filter rejected by validation yields an empty result
// without contacting any peer. Peer failures reduce the result instead of
// failing the call.
func (f *Finder) Find(ctx context.Context, level query.Level, scope models.Identifier, params url.Values) ([]dicomfile.Dataset, error) {
	if !level.Valid() {
		return nil, ErrInvalidLevel
	}

	params = scoped(params, scope)
	q, err := f.builder.Build(level, params)
	if errors.Is(err, query.ErrValidation) {
		f.log.Debug().Err(err).Str("level", level.String()).Msg("search rejected")
		return []dicomfile.Dataset{}, nil
	}
	if err != nil {
		return nil, err
	}

	list := f.factory.Adapters()
	if len(list) == 0 {
		return nil, ErrNoPeers
	}

	start := time.Now()
	results := make([][]dicomfile.Dataset, len(list))

	var g errgroup.Group
	for i, adapter := range list {
		g.Go(func() error {
			found, err := adapter.Find(ctx, q)
			if err != nil {
				f.log.Warn().
					Err(err).
					Str("peer", adapter.Peer().AETitle).
					Str("level", level.String()).
					Msg("peer contributed no results")
				return nil
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}

	merged := make([]dicomfile.Dataset, 0)
	for _, r := range results {
		merged = append(merged, r...)
	}
	total := len(merged)
	merged = window(merged, intParam(params, "offset"), intParam(params, "limit"))

	f.log.Info().
		Str("level", level.String()).
		Int("peers", len(list)).
		Int("matches", total).
		Int("returned", len(merged)).
		Dur("duration", time.Since(start)).
		Msg("search completed")
	return merged, nil
}

// FindInstances lists the instances below id with their series UID,
// one record per SOP instance. params adds filters and return keys the same
// way as a search.
func (f *Finder) FindInstances(ctx context.Context, id models.Identifier, params url.Values) ([]dicomfile.Dataset, error) {
	params = scoped(params, models.Identifier{})
	params.Add("includefield", query.TagSeriesInstanceUID)
	found, err := f.Find(ctx, query.LevelImage, id, params)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(found))
	out := found[:0]
	for _, ds := range found {
		sop := ds.String(query.TagSOPInstanceUID)
		if sop == "" || seen[sop] {
			continue
		}
		seen[sop] = true
		out = append(out, ds)
	}
	return out, nil
}

func scoped(params url.Values, scope models.Identifier) url.Values {
	out := make(url.Values, len(params)+3)
	for k, v := range params {
		out[k] = append([]string(nil), v...)
	}
	if scope.StudyInstanceUID != "" {
		out.Set(query.TagStudyInstanceUID, scope.StudyInstanceUID)
	}
	if scope.SeriesInstanceUID != "" {
		out.Set(query.TagSeriesInstanceUID, scope.SeriesInstanceUID)
	}
	if scope.SOPInstanceUID != "" {
		out.Set(query.TagSOPInstanceUID, scope.SOPInstanceUID)
	}
	return out
}

// intParam returns a non-negative integer parameter, 0 when absent or invalid
func intParam(params url.Values, name string) int {
	n, err := strconv.Atoi(params.Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// window skips offset results and keeps at most limit, 0 meaning all
func window(list []dicomfile.Dataset, offset, limit int) []dicomfile.Dataset {
	if offset >= len(list) {
		return []dicomfile.Dataset{}
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
