package services

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/dicomweb-gateway/internal/adapters"
	"github.com/otcheredev/dicomweb-gateway/internal/cache"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/storage"
	"github.com/otcheredev/dicomweb-gateway/internal/transcode"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile/dicomtest"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse/dimsetest"
)

type fakeTranscoder struct {
	mu         sync.Mutex
	transcodes []string
	renders    []string
	err        error

	// delay holds each transcode open; overlapped records two running at once
	delay      time.Duration
	running    int
	overlapped bool
}

func (f *fakeTranscoder) Transcode(_ context.Context, path, ts string) error {
	f.mu.Lock()
	f.transcodes = append(f.transcodes, filepath.Base(path)+"@"+ts)
	f.running++
	if f.running > 1 {
		f.overlapped = true
	}
	delay := f.delay
	f.mu.Unlock()

	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.running--
	return f.err
}

func (f *fakeTranscoder) Render(_ context.Context, path string, _ transcode.RenderOptions) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders = append(f.renders, filepath.Base(path))
	return []byte("jpeg:" + filepath.Base(path)), nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []models.RetrievalAudit
}

func (f *fakeAudit) Record(_ context.Context, a *models.RetrievalAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *a)
	return nil
}

func (f *fakeAudit) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.entries {
		out = append(out, e.PeerAETitle+":"+e.Status)
	}
	return out
}

// env wires real services around a scripted engine
type env struct {
	engine      *dimsetest.Engine
	store       *storage.Store
	finder      *Finder
	coordinator *Coordinator
	gateway     *Gateway
	transcoder  *fakeTranscoder
	audit       *fakeAudit
}

type envOption func(*peers.Options, *GatewayOptions)

func newEnv(t *testing.T, engine *dimsetest.Engine, peerNames []string, opts ...envOption) *env {
	t.Helper()

	list := make([]peers.Peer, 0, len(peerNames))
	for _, name := range peerNames {
		list = append(list, peers.Peer{
			DicomNode: models.DicomNode{AETitle: name, Host: name + ".local", Port: 104},
			Mode:      dimse.ModeCGet,
		})
	}
	popts := peers.Options{MaxAssociations: 4}
	gopts := GatewayOptions{TransferSyntax: transcode.ExplicitVRLittleEndian, ThumbnailSize: 64}
	for _, o := range opts {
		o(&popts, &gopts)
	}
	gopts.FetchLevel = popts.FetchLevel

	reg, err := peers.New(models.DicomNode{AETitle: "GW", Host: "127.0.0.1", Port: 11112}, list, popts)
	require.NoError(t, err)

	store, err := storage.NewStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	factory := adapters.NewAdapterFactory(reg, engine, zerolog.Nop())
	e := &env{
		engine:     engine,
		store:      store,
		transcoder: &fakeTranscoder{},
		audit:      &fakeAudit{},
	}
	e.finder = NewFinder(factory, reg.Options(), zerolog.Nop())
	e.coordinator = NewCoordinator(factory, store, reg.Options(), e.audit, zerolog.Nop())
	meta := cache.NewMetadataCache(cache.NewMemoryCache(0), 0)
	e.gateway = NewGateway(e.finder, e.coordinator, store, e.transcoder, meta, gopts, zerolog.Nop())
	return e
}

// deliver makes every retrieve write files into its output directory
func deliver(files ...dicomtest.File) func(context.Context, dimse.Node, dimse.RetrieveRequest) (dimse.Status, error) {
	return func(_ context.Context, _ dimse.Node, req dimse.RetrieveRequest) (dimse.Status, error) {
		for _, f := range files {
			if err := f.Write(filepath.Join(req.OutputDir, f.SOPInstanceUID+".dcm")); err != nil {
				return 0, err
			}
		}
		return dimse.StatusSuccess, nil
	}
}

// findInstances answers image level finds with one record per file
func findInstances(files ...dicomtest.File) func(context.Context, dimse.Node, dimse.Query) (*dimse.FindResult, error) {
	return func(context.Context, dimse.Node, dimse.Query) (*dimse.FindResult, error) {
		var out []dicomfile.Dataset
		for i, f := range files {
			ds := dicomfile.Dataset{}
			ds.Set(query.TagStudyInstanceUID, "UI", f.StudyInstanceUID)
			ds.Set(query.TagSeriesInstanceUID, "UI", f.SeriesInstanceUID)
			ds.Set(query.TagSOPInstanceUID, "UI", f.SOPInstanceUID)
			ds.Set(query.TagInstanceNumber, "IS", i+1)
			out = append(out, ds)
		}
		return &dimse.FindResult{Status: dimse.StatusSuccess, Datasets: out}, nil
	}
}

func (e *env) place(t *testing.T, files ...dicomtest.File) {
	t.Helper()
	for _, f := range files {
		require.NoError(t, f.Write(e.store.InstancePath(f.StudyInstanceUID, f.SOPInstanceUID)))
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func writeRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func instance(study, series, sop string) dicomtest.File {
	return dicomtest.File{StudyInstanceUID: study, SeriesInstanceUID: series, SOPInstanceUID: sop}
}
