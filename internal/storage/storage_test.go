package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile/dicomtest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestPaths(t *testing.T) {
	s := newStore(t)

	assert.Equal(t, filepath.Join(s.Root(), "1.2.3"), s.StudyDir("1.2.3"))
	assert.Equal(t, filepath.Join(s.Root(), "1.2.3", "1.2.3.4"), s.InstancePath("1.2.3", "1.2.3.4"))
	assert.Equal(t, s.StudyDir("S"), s.Path(models.Identifier{StudyInstanceUID: "S", SeriesInstanceUID: "SE"}))
	assert.Equal(t, s.InstancePath("S", "I"), s.Path(models.Identifier{StudyInstanceUID: "S", SOPInstanceUID: "I"}))

	// UIDs never escape the root
	assert.Equal(t, s.Root(), filepath.Dir(s.StudyDir("../../etc")))
}

func TestIngestPlacesFilesByIdentity(t *testing.T) {
	s := newStore(t)

	stage, err := s.NewStaging()
	require.NoError(t, err)
	require.NoError(t, dicomtest.File{
		StudyInstanceUID: "1.2.3",
		SOPInstanceUID:   "1.2.3.1.1",
	}.Write(filepath.Join(stage, "CT.1.2.3.1.1")))
	require.NoError(t, dicomtest.File{
		StudyInstanceUID: "1.2.3",
		SOPInstanceUID:   "1.2.3.1.2",
	}.Write(filepath.Join(stage, "nested", "CT.1.2.3.1.2")))
	require.NoError(t, os.WriteFile(filepath.Join(stage, "partial"), []byte("DICM"), 0o644))

	n, err := s.Ingest(stage)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.True(t, s.HasInstance("1.2.3", "1.2.3.1.1"))
	assert.True(t, s.HasInstance("1.2.3", "1.2.3.1.2"))
	assert.FileExists(t, filepath.Join(stage, "partial"))

	instances, err := s.Instances("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.1.1", "1.2.3.1.2"}, instances)

	s.RemoveStaging(stage)
	assert.NoDirExists(t, stage)
}

func TestIngestMissingDir(t *testing.T) {
	s := newStore(t)
	n, err := s.Ingest(s.ReceiveDir())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRemoveStagingRefusesOutsidePaths(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.MkdirAll(s.StudyDir("S1"), 0o755))

	s.RemoveStaging(s.StudyDir("S1"))
	assert.DirExists(t, s.StudyDir("S1"))
}

func makeStudy(t *testing.T, s *Store, uid string, age time.Duration) {
	t.Helper()
	dir := s.StudyDir(uid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "I1"), []byte("x"), 0o644))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
}

func TestJanitorEvictsByAge(t *testing.T) {
	s := newStore(t)
	makeStudy(t, s, "OLD", 61*time.Minute)
	makeStudy(t, s, "FRESH", 59*time.Minute)

	var evicted []string
	j := NewJanitor(s, time.Hour, 0, func(_ context.Context, study string) {
		evicted = append(evicted, study)
	}, zerolog.Nop())

	removed, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"OLD"}, removed)
	assert.Equal(t, []string{"OLD"}, evicted)

	assert.NoDirExists(t, s.StudyDir("OLD"))
	assert.DirExists(t, s.StudyDir("FRESH"))
	// staging area is never swept
	assert.DirExists(t, filepath.Join(s.Root(), incomingDir))
}

func TestJanitorDisabled(t *testing.T) {
	s := newStore(t)
	makeStudy(t, s, "ANCIENT", 1000*time.Hour)

	j := NewJanitor(s, -time.Minute, time.Minute, nil, zerolog.Nop())
	assert.False(t, j.Enabled())

	removed, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.DirExists(t, s.StudyDir("ANCIENT"))

	// returns immediately instead of looping
	j.Run(context.Background())
}

func TestJanitorRunSweepsAtStartup(t *testing.T) {
	s := newStore(t)
	makeStudy(t, s, "OLD", 2*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j := NewJanitor(s, time.Hour, time.Hour, func(context.Context, string) { cancel() }, zerolog.Nop())

	go func() {
		j.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("janitor did not sweep at startup")
	}
	assert.NoDirExists(t, s.StudyDir("OLD"))
}
