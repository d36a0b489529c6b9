package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile/dicomtest"
)

func TestTranscodeSkipsMatchingSyntax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "I1")
	require.NoError(t, dicomtest.File{}.Write(path))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// no tools are reachable, so any invocation would fail
	tools := NewTools(filepath.Join(t.TempDir(), "missing"), 0, zerolog.Nop())
	require.NoError(t, tools.Transcode(context.Background(), path, ExplicitVRLittleEndian))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTranscodeFailureIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "I1")
	require.NoError(t, dicomtest.File{}.Write(path))

	tools := NewTools(filepath.Join(t.TempDir(), "missing"), 0, zerolog.Nop())
	err := tools.Transcode(context.Background(), path, ImplicitVRLittleEndian)
	assert.ErrorIs(t, err, ErrTranscode)

	// the source file is left in place
	assert.FileExists(t, path)
	matches, _ := filepath.Glob(path + ".*.tmp")
	assert.Empty(t, matches)
}

func TestTranscodeUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "I1")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))

	err := NewTools("", 0, zerolog.Nop()).Transcode(context.Background(), path, ImplicitVRLittleEndian)
	assert.ErrorIs(t, err, ErrTranscode)
}

func TestRenderFailsWithoutOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "I1")
	require.NoError(t, dicomtest.File{}.Write(path))

	tools := NewTools(filepath.Join(t.TempDir(), "missing"), 0, zerolog.Nop())
	_, err := tools.Render(context.Background(), path, RenderOptions{MaxSize: 64})
	assert.ErrorIs(t, err, ErrTranscode)
}

func TestFirstOutput(t *testing.T) {
	dir := t.TempDir()
	_, ok := firstOutput(dir)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.1.jpg"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.0.jpg"), []byte("a"), 0o644))
	got, ok := firstOutput(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "out.0.jpg"), got)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.jpg"), []byte("c"), 0o644))
	got, _ = firstOutput(dir)
	assert.Equal(t, filepath.Join(dir, "out.jpg"), got)
}

func TestIsCompressed(t *testing.T) {
	assert.False(t, isCompressed(ImplicitVRLittleEndian))
	assert.False(t, isCompressed(ExplicitVRLittleEndian))
	assert.True(t, isCompressed(JPEGBaseline))
	assert.True(t, isCompressed(RLELossless))
}
