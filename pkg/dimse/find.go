package dimse

import (
	"context"
	"fmt"
	"time"

	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dictionary/sopclass"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/dimsec"
	"github.com/OtchereDev/ris-common-sdk/pkg/io-dicom/media"
)

// Find runs a study-root C-FIND and decodes every pending identifier
func (c *Client) Find(ctx context.Context, peer Node, query Query) (*FindResult, error) {
	result := &FindResult{}
	start := time.Now()

	var skipped int
	status, err := c.cfind(ctx, peer, query, func(obj media.DcmObj) {
		ds, err := decode(obj)
		if err != nil {
			skipped++
			return
		}
		result.Datasets = append(result.Datasets, ds)
	})
	if err != nil {
		c.log.Error().
			Err(err).
			Str("peer", peer.String()).
			Dur("duration", time.Since(start)).
			Msg("C-FIND failed")
		return nil, err
	}
	result.Status = status

	evt := c.log.Info()
	if skipped > 0 {
		evt = c.log.Warn().Int("skipped", skipped)
	}
	evt.Str("peer", peer.String()).
		Int("num_results", len(result.Datasets)).
		Stringer("status", status).
		Dur("duration", time.Since(start)).
		Msg("C-FIND completed")
	return result, nil
}

// Locate issues an identifier-only C-FIND and returns the number of matches
func (c *Client) Locate(ctx context.Context, peer Node, query Query) (int, Status, error) {
	var matches int
	start := time.Now()
	status, err := c.cfind(ctx, peer, query, func(media.DcmObj) { matches++ })
	level, _ := query.Get(tagQueryRetrieveLevel)
	if err != nil {
		c.log.Error().
			Err(err).
			Str("peer", peer.String()).
			Str("level", level).
			Dur("duration", time.Since(start)).
			Msg("locate C-FIND failed")
		return 0, StatusUnableToProcess, err
	}

	c.log.Debug().
		Str("peer", peer.String()).
		Str("level", level).
		Int("matches", matches).
		Stringer("status", status).
		Dur("duration", time.Since(start)).
		Msg("locate C-FIND completed")
	return matches, status, nil
}

// cfind sends one request and hands every pending identifier to onResult.
// It returns the final status, which may be a failure.
func (c *Client) cfind(ctx context.Context, peer Node, query Query, onResult func(media.DcmObj)) (Status, error) {
	identifier, err := encodeQuery(query)
	if err != nil {
		return StatusIdentifierMismatch, err
	}

	status := StatusUnableToProcess
	err = runBlocking(ctx, func() error {
		pdu, err := c.associate(peer, sopclass.StudyRootQueryRetrieveInformationModelFind.UID, TimeoutCFind)
		if err != nil {
			return err
		}
		defer pdu.Close()

		if err := dimsec.CFindWriteRQ(pdu, identifier); err != nil {
			return fmt.Errorf("failed to send C-FIND request: %w", err)
		}
		for {
			ddo, s, err := dimsec.CFindReadRSP(pdu)
			if err != nil {
				return fmt.Errorf("failed to read C-FIND response: %w", err)
			}
			if !Status(s).IsPending() {
				status = Status(s)
				return nil
			}
			if ddo != nil {
				onResult(ddo)
			}
		}
	})
	if err != nil {
		return StatusUnableToProcess, fmt.Errorf("C-FIND failed: %w", err)
	}
	return status, nil
}
