package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/cache"
	"github.com/otcheredev/dicomweb-gateway/internal/metrics"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/storage"
	"github.com/otcheredev/dicomweb-gateway/internal/transcode"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

// GatewayOptions controls how retrieved objects are served
type GatewayOptions struct {
	// TransferSyntax is the syntax served for full objects
	TransferSyntax string
	// FullMetadata makes every metadata request fetch and parse all instances
	FullMetadata bool
	// ThumbnailSize bounds the longest side of thumbnails
	ThumbnailSize int
	// FetchLevel widens retrievals to at least this level when valid
	FetchLevel query.Level
}

// Part is one body part of a retrieval response
type Part struct {
	ContentType string
	Location    string
	Data        []byte
}

// instanceRef is a resolved cache file
type instanceRef struct {
	id   models.Identifier
	path string
}

// Gateway serves WADO requests from the object cache, fetching on a miss
type Gateway struct {
	finder      *Finder
	coordinator *Coordinator
	store       *storage.Store
	transcoder  transcode.Transcoder
	metadata    *cache.MetadataCache
	files       fileLocks
	opts        GatewayOptions
	log         zerolog.Logger
}

// NewGateway creates a gateway. metadata may be nil to disable caching of
// parsed headers.
func NewGateway(
	finder *Finder,
	coordinator *Coordinator,
	store *storage.Store,
	transcoder transcode.Transcoder,
	metadata *cache.MetadataCache,
	opts GatewayOptions,
	logger zerolog.Logger,
) *Gateway {
	if opts.TransferSyntax == "" {
		opts.TransferSyntax = transcode.ExplicitVRLittleEndian
	}
	return &Gateway{
		finder:      finder,
		coordinator: coordinator,
		store:       store,
		transcoder:  transcoder,
		metadata:    metadata,
		opts:        opts,
		log:         logger.With().Str("component", "gateway").Logger(),
	}
}

// Retrieve returns one part per instance identified by id in the requested
// format. Thumbnails only use the first instance.
func (g *Gateway) Retrieve(ctx context.Context, id models.Identifier, format models.DataFormat) ([]Part, error) {
	if id.StudyInstanceUID == "" {
		return nil, ErrMissingParameters
	}
	start := time.Now()

	refs, err := g.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if format == models.FormatThumbnail {
		refs = refs[:1]
	}

	parts := make([]Part, 0, len(refs))
	for _, ref := range refs {
		data, err := g.render(ctx, ref.path, format)
		if err != nil {
			return nil, err
		}
		parts = append(parts, Part{
			ContentType: format.ContentType(),
			Location:    InstanceLocation(ref.id),
			Data:        data,
		})
	}

	g.log.Info().
		Str("study_uid", id.StudyInstanceUID).
		Str("series_uid", id.SeriesInstanceUID).
		Str("format", formatName(format)).
		Int("parts", len(parts)).
		Dur("duration", time.Since(start)).
		Msg("retrieval served")
	return parts, nil
}

// RetrieveFrames returns the requested 1-based frames of one instance
func (g *Gateway) RetrieveFrames(ctx context.Context, id models.Identifier, frames []int) ([]Part, error) {
	if !id.IsInstance() {
		return nil, ErrMissingParameters
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: no frame requested", ErrInvalidFrame)
	}

	ref, err := g.resolveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	header, pixels, err := g.readFrames(ctx, ref.path)
	if err != nil {
		return nil, err
	}
	geometry := dicomfile.GeometryOf(header)

	parts := make([]Part, 0, len(frames))
	for _, n := range frames {
		data, err := pixels.Frame(geometry, n)
		if err != nil {
			if errors.Is(err, ErrParse) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		parts = append(parts, Part{
			ContentType: models.FormatPixelData.ContentType(),
			Location:    fmt.Sprintf("%s/frames/%d", InstanceLocation(ref.id), n),
			Data:        data,
		})
	}
	return parts, nil
}

func (g *Gateway) readFrames(ctx context.Context, path string) (dicomfile.Dataset, *dicomfile.PixelData, error) {
	unlock := g.files.lock(path)
	defer unlock()

	if err := g.transcode(ctx, path, transcode.ImplicitVRLittleEndian); err != nil {
		return nil, nil, err
	}
	header, err := dicomfile.Read(path)
	if err != nil {
		return nil, nil, err
	}
	pixels, err := dicomfile.ReadPixelData(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return header, pixels, nil
}

// WadoURI returns a single object. contentType image/jpeg renders it,
// anything else returns the DICOM file.
func (g *Gateway) WadoURI(ctx context.Context, id models.Identifier, contentType string) (*Part, error) {
	if id.StudyInstanceUID == "" || id.SeriesInstanceUID == "" || id.SOPInstanceUID == "" {
		return nil, ErrMissingParameters
	}

	ref, err := g.resolveInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	format := models.FormatFull
	if strings.EqualFold(contentType, "image/jpeg") {
		format = models.FormatRendered
	}
	data, err := g.render(ctx, ref.path, format)
	if err != nil {
		return nil, err
	}
	return &Part{
		ContentType: format.ContentType(),
		Location:    InstanceLocation(ref.id),
		Data:        data,
	}, nil
}

// BulkData returns the raw value of a binary element of one instance
func (g *Gateway) BulkData(ctx context.Context, id models.Identifier, key string) (*Part, error) {
	if !id.IsInstance() {
		return nil, ErrMissingParameters
	}
	group, element, err := splitKey(key)
	if err != nil {
		return nil, err
	}

	ref, err := g.resolveInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	data, err := dicomfile.RawElement(ref.path, group, element)
	if err != nil {
		if errors.Is(err, ErrParse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	contentType := "application/octet-stream"
	if key == query.TagEncapsulatedDocument {
		contentType = "application/pdf"
	}
	return &Part{
		ContentType: contentType,
		Location:    fmt.Sprintf("%s/bulkdata/%s", InstanceLocation(ref.id), key),
		Data:        data,
	}, nil
}

// fetchLevel is the level used when id is missing from the cache
func (g *Gateway) fetchLevel(id models.Identifier) query.Level {
	return query.Coarser(query.Implied(id), g.opts.FetchLevel)
}

// resolve maps id to cache files, retrieving whatever is missing
func (g *Gateway) resolve(ctx context.Context, id models.Identifier) ([]instanceRef, error) {
	if id.SOPInstanceUID != "" {
		ref, err := g.resolveInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		return []instanceRef{*ref}, nil
	}
	return g.resolveDirectory(ctx, id)
}

func (g *Gateway) resolveInstance(ctx context.Context, id models.Identifier) (*instanceRef, error) {
	path := g.store.Path(id)
	if g.store.Exists(path) {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return &instanceRef{id: id, path: path}, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	if err := g.coordinator.EnsureRetrieved(ctx, g.fetchLevel(id), id); err != nil {
		return nil, err
	}
	if !g.store.Exists(path) {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, id.SOPInstanceUID)
	}
	return &instanceRef{id: id, path: path}, nil
}

// resolveDirectory lists the instances of a study or series. The peers are
// asked which instances exist; a retrieval runs when any is missing locally.
func (g *Gateway) resolveDirectory(ctx context.Context, id models.Identifier) ([]instanceRef, error) {
	expected, err := g.finder.FindInstances(ctx, id, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("study_uid", id.StudyInstanceUID).Msg("instance listing failed, using cache contents")
		expected = nil
	}

	missing := len(expected) == 0
	for _, ds := range expected {
		if !g.store.HasInstance(id.StudyInstanceUID, ds.String(query.TagSOPInstanceUID)) {
			missing = true
			break
		}
	}
	if len(expected) == 0 {
		local, err := g.localInstances(id)
		if err != nil {
			return nil, err
		}
		missing = len(local) == 0
	}

	if missing {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		if err := g.coordinator.EnsureRetrieved(ctx, g.fetchLevel(id), id); err != nil {
			return nil, err
		}
	} else {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
	}

	var refs []instanceRef
	if len(expected) > 0 {
		sortByInstanceNumber(expected)
		for _, ds := range expected {
			ref := instanceRef{id: models.Identifier{
				StudyInstanceUID:  id.StudyInstanceUID,
				SeriesInstanceUID: ds.String(query.TagSeriesInstanceUID),
				SOPInstanceUID:    ds.String(query.TagSOPInstanceUID),
			}}
			if ref.id.SeriesInstanceUID == "" {
				ref.id.SeriesInstanceUID = id.SeriesInstanceUID
			}
			ref.path = g.store.InstancePath(ref.id.StudyInstanceUID, ref.id.SOPInstanceUID)
			if !g.store.Exists(ref.path) {
				g.log.Warn().
					Str("study_uid", id.StudyInstanceUID).
					Str("sop_uid", ref.id.SOPInstanceUID).
					Msg("instance listed by peer is missing after retrieval")
				continue
			}
			refs = append(refs, ref)
		}
	} else {
		refs, err = g.localInstances(id)
		if err != nil {
			return nil, err
		}
	}

	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, query.Implied(id).LockID(id))
	}
	return refs, nil
}

// localInstances lists cached files of id's study, filtered by series
func (g *Gateway) localInstances(id models.Identifier) ([]instanceRef, error) {
	names, err := g.store.Instances(id.StudyInstanceUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached instances: %w", err)
	}

	var refs []instanceRef
	for _, name := range names {
		path := g.store.InstancePath(id.StudyInstanceUID, name)
		identity, err := dicomfile.ReadIdentity(path)
		if err != nil {
			g.log.Warn().Err(err).Str("file", path).Msg("skipping unreadable cache file")
			continue
		}
		if id.SeriesInstanceUID != "" && identity.SeriesInstanceUID != id.SeriesInstanceUID {
			continue
		}
		refs = append(refs, instanceRef{
			id: models.Identifier{
				StudyInstanceUID:  id.StudyInstanceUID,
				SeriesInstanceUID: identity.SeriesInstanceUID,
				SOPInstanceUID:    identity.SOPInstanceUID,
			},
			path: path,
		})
	}
	return refs, nil
}

// render transcodes path and produces the body of one part
func (g *Gateway) render(ctx context.Context, path string, format models.DataFormat) ([]byte, error) {
	target := g.opts.TransferSyntax
	if format == models.FormatPixelData {
		target = transcode.ImplicitVRLittleEndian
	}

	unlock := g.files.lock(path)
	defer unlock()
	if err := g.transcode(ctx, path, target); err != nil {
		return nil, err
	}

	switch format {
	case models.FormatPixelData:
		pixels, err := dicomfile.ReadPixelData(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		return pixels.Bytes(), nil
	case models.FormatRendered:
		return g.transcoder.Render(ctx, path, transcode.RenderOptions{})
	case models.FormatThumbnail:
		return g.transcoder.Render(ctx, path, transcode.RenderOptions{MaxSize: g.opts.ThumbnailSize})
	default:
		return os.ReadFile(path)
	}
}

func (g *Gateway) transcode(ctx context.Context, path, target string) error {
	if err := g.transcoder.Transcode(ctx, path, target); err != nil {
		g.log.Error().Err(err).Str("file", path).Str("transfer_syntax", target).Msg("transcode failed")
		return err
	}
	return nil
}

// InstanceLocation is the WADO-RS path of an instance
func InstanceLocation(id models.Identifier) string {
	return fmt.Sprintf("/rs/studies/%s/series/%s/instances/%s",
		id.StudyInstanceUID, id.SeriesInstanceUID, id.SOPInstanceUID)
}

// ParseFrameList parses a comma separated list of 1-based frame numbers
func ParseFrameList(s string) ([]int, error) {
	var frames []int
	for _, field := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFrame, field)
		}
		frames = append(frames, n)
	}
	return frames, nil
}

func splitKey(key string) (uint16, uint16, error) {
	if len(key) != 8 {
		return 0, 0, fmt.Errorf("%w: attribute key %q", ErrMissingParameters, key)
	}
	group, err := strconv.ParseUint(key[:4], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: attribute key %q", ErrMissingParameters, key)
	}
	element, err := strconv.ParseUint(key[4:], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: attribute key %q", ErrMissingParameters, key)
	}
	return uint16(group), uint16(element), nil
}

func sortByInstanceNumber(list []dicomfile.Dataset) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Int(query.TagInstanceNumber, 0) < list[j].Int(query.TagInstanceNumber, 0)
	})
}

func formatName(f models.DataFormat) string {
	if f == models.FormatFull {
		return "full"
	}
	return string(f)
}
