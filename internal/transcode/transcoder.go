// Package transcode converts cached objects between transfer syntaxes and
// renders them to JPEG with the DCMTK command line tools.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

// ErrTranscode wraps every tool failure
var ErrTranscode = errors.New("transcode failed")

// Transfer syntax UIDs
const (
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	JPEGBaseline           = "1.2.840.10008.1.2.4.50"
	JPEGExtended           = "1.2.840.10008.1.2.4.51"
	JPEGLossless           = "1.2.840.10008.1.2.4.57"
	JPEGLosslessSV1        = "1.2.840.10008.1.2.4.70"
	JPEGLSLossless         = "1.2.840.10008.1.2.4.80"
	JPEGLSNearLossless     = "1.2.840.10008.1.2.4.81"
	RLELossless            = "1.2.840.10008.1.2.5"
)

const toolTimeout = 2 * time.Minute

// RenderOptions controls JPEG output
type RenderOptions struct {
	// MaxSize scales the longest side to at most this many pixels when positive
	MaxSize int
	Quality int
}

// Transcoder rewrites cached files and renders previews
type Transcoder interface {
	// Transcode rewrites path in place so it is encoded in transferSyntax.
	// Files already in that syntax are left untouched.
	Transcode(ctx context.Context, path, transferSyntax string) error
	// Render produces a JPEG of the first frame of path
	Render(ctx context.Context, path string, opts RenderOptions) ([]byte, error)
}

// Tools is the DCMTK backed Transcoder
type Tools struct {
	dir          string
	lossyQuality int
	log          zerolog.Logger
}

// NewTools creates a Transcoder. An empty dir looks binaries up on PATH.
func NewTools(dir string, lossyQuality int, logger zerolog.Logger) *Tools {
	if lossyQuality <= 0 || lossyQuality > 100 {
		lossyQuality = 90
	}
	return &Tools{
		dir:          dir,
		lossyQuality: lossyQuality,
		log:          logger.With().Str("component", "transcode").Logger(),
	}
}

// Transcode implements Transcoder
func (t *Tools) Transcode(ctx context.Context, path, target string) error {
	current, err := dicomfile.TransferSyntax(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	if current == target {
		return nil
	}

	start := time.Now()
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	defer os.Remove(tmp)

	src := path
	if isCompressed(current) {
		if err := t.decompress(ctx, current, src, tmp); err != nil {
			return err
		}
		src = tmp
		if target == ExplicitVRLittleEndian {
			return t.replace(tmp, path, current, target, start)
		}
	}

	out := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	defer os.Remove(out)
	if err := t.encode(ctx, target, src, out); err != nil {
		return err
	}
	return t.replace(out, path, current, target, start)
}

func (t *Tools) replace(tmp, path, from, to string, start time.Time) error {
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	t.log.Debug().
		Str("file", filepath.Base(path)).
		Str("from", from).
		Str("to", to).
		Dur("duration", time.Since(start)).
		Msg("transcoded")
	return nil
}

// decompress writes an explicit little endian copy of a compressed file
func (t *Tools) decompress(ctx context.Context, ts, in, out string) error {
	switch {
	case strings.HasPrefix(ts, "1.2.840.10008.1.2.4.8"):
		return t.run(ctx, "dcmdjpls", "+te", in, out)
	case ts == RLELossless:
		return t.run(ctx, "dcmdrle", "+te", in, out)
	case strings.HasPrefix(ts, "1.2.840.10008.1.2.4.5"), strings.HasPrefix(ts, "1.2.840.10008.1.2.4.7"):
		return t.run(ctx, "dcmdjpeg", "+te", in, out)
	}
	return fmt.Errorf("%w: no decoder for transfer syntax %s", ErrTranscode, ts)
}

// encode writes in as target; in is never compressed
func (t *Tools) encode(ctx context.Context, target, in, out string) error {
	quality := strconv.Itoa(t.lossyQuality)
	switch target {
	case ImplicitVRLittleEndian:
		return t.run(ctx, "dcmconv", "+ti", in, out)
	case ExplicitVRLittleEndian:
		return t.run(ctx, "dcmconv", "+te", in, out)
	case ExplicitVRBigEndian:
		return t.run(ctx, "dcmconv", "+tb", in, out)
	case JPEGBaseline:
		return t.run(ctx, "dcmcjpeg", "+eb", "+q", quality, in, out)
	case JPEGExtended:
		return t.run(ctx, "dcmcjpeg", "+ee", "+q", quality, in, out)
	case JPEGLossless:
		return t.run(ctx, "dcmcjpeg", "+el", in, out)
	case JPEGLosslessSV1:
		return t.run(ctx, "dcmcjpeg", "+e1", in, out)
	case JPEGLSLossless:
		return t.run(ctx, "dcmcjpls", "+cl", in, out)
	case JPEGLSNearLossless:
		return t.run(ctx, "dcmcjpls", "+cn", in, out)
	case RLELossless:
		return t.run(ctx, "dcmcrle", in, out)
	}
	return fmt.Errorf("%w: unsupported target transfer syntax %s", ErrTranscode, target)
}

// Render implements Transcoder. A single-frame render is tried first and
// then the all-frames mode; the first JPEG produced is returned.
func (t *Tools) Render(ctx context.Context, path string, opts RenderOptions) ([]byte, error) {
	dir, err := os.MkdirTemp("", "render-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
	}
	defer os.RemoveAll(dir)

	out := filepath.Join(dir, "out.jpg")
	args := []string{"+oj"}
	if opts.Quality > 0 {
		args = append(args, "+Jq", strconv.Itoa(opts.Quality))
	}
	if opts.MaxSize > 0 {
		args = append(args, "+Sxv", strconv.Itoa(opts.MaxSize))
	}

	firstErr := t.run(ctx, "dcmj2pnm", append(args, path, out)...)
	if firstErr != nil {
		t.log.Debug().Err(firstErr).Str("file", filepath.Base(path)).Msg("single frame render failed, retrying all frames")
		if err := t.run(ctx, "dcmj2pnm", append(args, "+Fa", path, out)...); err != nil {
			t.log.Debug().Err(err).Msg("all frames render failed")
		}
	}

	rendered, ok := firstOutput(dir)
	if !ok {
		if firstErr == nil {
			firstErr = errors.New("no output produced")
		}
		return nil, fmt.Errorf("%w: render %s: %v", ErrTranscode, filepath.Base(path), firstErr)
	}
	return os.ReadFile(rendered)
}

// firstOutput finds out.jpg or, for multi-frame output, the lowest numbered frame
func firstOutput(dir string) (string, bool) {
	single := filepath.Join(dir, "out.jpg")
	if _, err := os.Stat(single); err == nil {
		return single, true
	}
	matches, _ := filepath.Glob(filepath.Join(dir, "out*.jpg"))
	if len(matches) == 0 {
		return "", false
	}
	sort.Strings(matches)
	return matches[0], true
}

func (t *Tools) run(ctx context.Context, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	bin := name
	if t.dir != "" {
		bin = filepath.Join(t.dir, name)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s: %v: %s", ErrTranscode, name, err, strings.TrimSpace(output.String()))
	}
	return nil
}

func isCompressed(ts string) bool {
	switch ts {
	case ImplicitVRLittleEndian, ExplicitVRLittleEndian, ExplicitVRBigEndian, "1.2.840.10008.1.2.1.99":
		return false
	}
	return ts != ""
}
