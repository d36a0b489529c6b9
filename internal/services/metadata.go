package services

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/otcheredev/dicomweb-gateway/internal/cache"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

// attributes defaulted for images whose header lacks them
const (
	tagRows          = "00280010"
	tagPixelSpacing  = "00280030"
	tagWindowCenter  = "00281050"
	tagWindowWidth   = "00281051"
	defaultWindowCtr = 40.0
	defaultWindowWid = 80.0
)

// Metadata returns one attribute record per instance below id. Records come
// from an instance level find and are completed with the attributes parsed
// from the cached files. With FullMetadata every instance is retrieved and
// any parse failure fails the request; otherwise only files already cached
// are parsed and a failure leaves that record as the peer returned it.
// params narrows the instance find like a search query.
func (g *Gateway) Metadata(ctx context.Context, id models.Identifier, params url.Values) ([]dicomfile.Dataset, error) {
	if id.StudyInstanceUID == "" {
		return nil, ErrMissingParameters
	}
	start := time.Now()

	records, err := g.finder.FindInstances(ctx, id, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no metadata for %s", ErrNotFound, query.Implied(id).LockID(id))
	}
	sortByInstanceNumber(records)

	if g.opts.FullMetadata {
		for _, rec := range records {
			if !g.store.HasInstance(id.StudyInstanceUID, rec.String(query.TagSOPInstanceUID)) {
				if err := g.coordinator.EnsureRetrieved(ctx, g.fetchLevel(id), id); err != nil {
					return nil, err
				}
				break
			}
		}
	}

	out := make([]dicomfile.Dataset, 0, len(records))
	parsed := 0
	for _, rec := range records {
		instance := models.Identifier{
			StudyInstanceUID:  id.StudyInstanceUID,
			SeriesInstanceUID: rec.String(query.TagSeriesInstanceUID),
			SOPInstanceUID:    rec.String(query.TagSOPInstanceUID),
		}
		if instance.SeriesInstanceUID == "" {
			instance.SeriesInstanceUID = id.SeriesInstanceUID
		}

		merged := rec.Clone()
		if !g.opts.FullMetadata && !g.store.HasInstance(instance.StudyInstanceUID, instance.SOPInstanceUID) {
			out = append(out, merged)
			continue
		}

		attrs, err := g.instanceMetadata(ctx, instance)
		if err != nil {
			if g.opts.FullMetadata {
				return nil, err
			}
			g.log.Warn().Err(err).Str("sop_uid", instance.SOPInstanceUID).Msg("using peer attributes only")
			out = append(out, merged)
			continue
		}
		merged.Merge(attrs)
		out = append(out, merged)
		parsed++
	}

	g.log.Info().
		Str("study_uid", id.StudyInstanceUID).
		Str("series_uid", id.SeriesInstanceUID).
		Int("instances", len(out)).
		Int("parsed", parsed).
		Dur("duration", time.Since(start)).
		Msg("metadata served")
	return out, nil
}

// instanceMetadata parses a cached file, going through the metadata cache
func (g *Gateway) instanceMetadata(ctx context.Context, id models.Identifier) (dicomfile.Dataset, error) {
	if g.metadata != nil {
		ds, err := g.metadata.Get(ctx, id)
		if err == nil {
			return ds, nil
		}
		if !cache.IsMiss(err) {
			g.log.Warn().Err(err).Str("sop_uid", id.SOPInstanceUID).Msg("metadata cache read failed")
		}
	}

	path := g.store.InstancePath(id.StudyInstanceUID, id.SOPInstanceUID)
	ds, err := dicomfile.Read(path)
	if err != nil {
		return nil, err
	}
	completeMetadata(ds, id)

	if g.metadata != nil {
		if err := g.metadata.Set(ctx, id, ds); err != nil {
			g.log.Warn().Err(err).Str("sop_uid", id.SOPInstanceUID).Msg("metadata cache write failed")
		}
	}
	return ds, nil
}

// completeMetadata fills display defaults and replaces encapsulated
// documents with a bulk data reference.
func completeMetadata(ds dicomfile.Dataset, id models.Identifier) {
	if _, isImage := ds[tagRows]; isImage {
		if _, ok := ds[tagPixelSpacing]; !ok {
			ds[tagPixelSpacing] = dicomfile.Attribute{VR: "DS", Value: []any{1.0, 1.0}}
		}
		if _, ok := ds[tagWindowCenter]; !ok {
			ds.Set(tagWindowCenter, "DS", defaultWindowCtr)
		}
		if _, ok := ds[tagWindowWidth]; !ok {
			ds.Set(tagWindowWidth, "DS", defaultWindowWid)
		}
	}

	if attr, ok := ds[query.TagEncapsulatedDocument]; ok {
		ds[query.TagEncapsulatedDocument] = dicomfile.Attribute{
			VR:          attr.VR,
			BulkDataURI: fmt.Sprintf("%s/bulkdata/%s", InstanceLocation(id), query.TagEncapsulatedDocument),
		}
	}
}
