package services

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/peers"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/transcode"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse/dimsetest"
)

func TestWadoURICacheHitServesExactBytes(t *testing.T) {
	engine := &dimsetest.Engine{}
	e := newEnv(t, engine, []string{"A"})
	f := instance("S1", "S1.1", "S1.1.1")
	e.place(t, f)
	want := readFile(t, e.store.InstancePath("S1", "S1.1.1"))

	part, err := e.gateway.WadoURI(context.Background(), models.Identifier{
		StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1",
	}, "")
	require.NoError(t, err)

	assert.Equal(t, want, part.Data)
	assert.Equal(t, "application/dicom", part.ContentType)
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve))
	assert.Equal(t, 0, engine.Calls(dimsetest.OpFind))
}

func TestWadoURIFetchesOnMiss(t *testing.T) {
	engine := &dimsetest.Engine{RetrieveFunc: deliver(instance("S1", "S1.1", "S1.1.1"))}
	e := newEnv(t, engine, []string{"A"})

	id := models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1"}
	part, err := e.gateway.WadoURI(context.Background(), id, "")
	require.NoError(t, err)
	assert.Equal(t, readFile(t, e.store.InstancePath("S1", "S1.1.1")), part.Data)

	calls := engine.RetrieveCalls()
	require.Len(t, calls, 1)
	level, _ := calls[0].Request.Query.Get(query.TagQueryRetrieveLevel)
	assert.Equal(t, "IMAGE", level)
	assert.Equal(t, []string{"S1.1.1@" + transcode.ExplicitVRLittleEndian}, e.transcoder.transcodes)
}

func TestWadoURIUsesConfiguredFetchLevel(t *testing.T) {
	engine := &dimsetest.Engine{RetrieveFunc: deliver(instance("S1", "S1.1", "S1.1.1"), instance("S1", "S1.1", "S1.1.2"))}
	e := newEnv(t, engine, []string{"A"}, func(o *peers.Options, _ *GatewayOptions) {
		o.FetchLevel = query.LevelSeries
	})

	id := models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1"}
	_, err := e.gateway.WadoURI(context.Background(), id, "")
	require.NoError(t, err)

	level, _ := engine.RetrieveCalls()[0].Request.Query.Get(query.TagQueryRetrieveLevel)
	assert.Equal(t, "SERIES", level)
	assert.True(t, e.store.HasInstance("S1", "S1.1.2"), "rest of the series is prefetched")
}

func TestWadoURIRendersJPEG(t *testing.T) {
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	e.place(t, instance("S1", "S1.1", "S1.1.1"))

	part, err := e.gateway.WadoURI(context.Background(), models.Identifier{
		StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1",
	}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.ContentType)
	assert.Equal(t, []byte("jpeg:S1.1.1"), part.Data)
}

func TestWadoURIMissingParameters(t *testing.T) {
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	_, err := e.gateway.WadoURI(context.Background(), models.Identifier{StudyInstanceUID: "S1", SOPInstanceUID: "I"}, "")
	assert.ErrorIs(t, err, ErrMissingParameters)
}

func TestRetrieveNotFoundAfterSuccessfulRetrieval(t *testing.T) {
	engine := &dimsetest.Engine{RetrieveFunc: deliver(instance("S1", "S1.1", "S1.1.2"))}
	e := newEnv(t, engine, []string{"A"})

	_, err := e.gateway.Retrieve(context.Background(), models.Identifier{
		StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1",
	}, models.FormatFull)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve))
}

func TestRetrievePropagatesNoSuitablePeer(t *testing.T) {
	engine := &dimsetest.Engine{
		RetrieveFunc: func(context.Context, dimse.Node, dimse.RetrieveRequest) (dimse.Status, error) {
			return dimse.StatusCancel, nil
		},
	}
	e := newEnv(t, engine, []string{"A"})

	_, err := e.gateway.Retrieve(context.Background(), models.Identifier{StudyInstanceUID: "S1"}, models.FormatFull)
	assert.ErrorIs(t, err, ErrNoSuitablePeer)
}

func TestRetrieveSeriesFetchesMissingInstances(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	b := instance("S1", "S1.1", "S1.1.2")
	engine := &dimsetest.Engine{FindFunc: findInstances(a, b), RetrieveFunc: deliver(a, b)}
	e := newEnv(t, engine, []string{"A"})
	e.place(t, a)

	parts, err := e.gateway.Retrieve(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}, models.FormatFull)
	require.NoError(t, err)
	require.Len(t, parts, 2)

	assert.Equal(t, "/rs/studies/S1/series/S1.1/instances/S1.1.1", parts[0].Location)
	assert.Equal(t, "/rs/studies/S1/series/S1.1/instances/S1.1.2", parts[1].Location)
	assert.Equal(t, "application/dicom", parts[1].ContentType)

	calls := engine.RetrieveCalls()
	require.Len(t, calls, 1)
	level, _ := calls[0].Request.Query.Get(query.TagQueryRetrieveLevel)
	assert.Equal(t, "SERIES", level)
}

func TestRetrieveStudySkipsFetchWhenComplete(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	b := instance("S1", "S1.2", "S1.2.1")
	engine := &dimsetest.Engine{FindFunc: findInstances(a, b)}
	e := newEnv(t, engine, []string{"A"})
	e.place(t, a, b)

	parts, err := e.gateway.Retrieve(context.Background(), models.Identifier{StudyInstanceUID: "S1"}, models.FormatFull)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve))
	assert.Equal(t, "/rs/studies/S1/series/S1.2/instances/S1.2.1", parts[1].Location)
}

func TestRetrieveFallsBackToCachedFilesWithoutFindResults(t *testing.T) {
	engine := &dimsetest.Engine{}
	e := newEnv(t, engine, []string{"A"})
	e.place(t, instance("S1", "S1.1", "S1.1.1"), instance("S1", "S1.2", "S1.2.1"))

	parts, err := e.gateway.Retrieve(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.2"}, models.FormatFull)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "/rs/studies/S1/series/S1.2/instances/S1.2.1", parts[0].Location)
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve))
}

func TestThumbnailUsesFirstInstanceOnly(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	b := instance("S1", "S1.1", "S1.1.2")
	engine := &dimsetest.Engine{FindFunc: findInstances(a, b)}
	e := newEnv(t, engine, []string{"A"})
	e.place(t, a, b)

	parts, err := e.gateway.Retrieve(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}, models.FormatThumbnail)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "image/jpeg", parts[0].ContentType)
	assert.Equal(t, []string{"S1.1.1"}, e.transcoder.renders)
}

func TestRetrievePixelData(t *testing.T) {
	f := instance("S1", "S1.1", "S1.1.1")
	f.PixelData = []byte{1, 2, 3, 4}
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	e.place(t, f)

	parts, err := e.gateway.Retrieve(context.Background(), models.Identifier{
		StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1",
	}, models.FormatPixelData)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, []byte{1, 2, 3, 4}, parts[0].Data)
	assert.Equal(t, "application/octet-stream", parts[0].ContentType)
	assert.Equal(t, []string{"S1.1.1@" + transcode.ImplicitVRLittleEndian}, e.transcoder.transcodes)
}

func TestRetrieveSerializesTranscodesOfOneFile(t *testing.T) {
	f := instance("S1", "S1.1", "S1.1.1")
	f.Frames = 2
	f.PixelData = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	e.transcoder.delay = 10 * time.Millisecond
	e.place(t, f)
	id := models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1"}

	var g errgroup.Group
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			_, err := e.gateway.Retrieve(context.Background(), id, models.FormatFull)
			return err
		})
		g.Go(func() error {
			parts, err := e.gateway.Retrieve(context.Background(), id, models.FormatPixelData)
			if err == nil && !bytes.Equal(parts[0].Data, f.PixelData) {
				t.Errorf("pixel data %v", parts[0].Data)
			}
			return err
		})
		g.Go(func() error {
			_, err := e.gateway.RetrieveFrames(context.Background(), id, []int{2})
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, e.transcoder.transcodes, 9)
	assert.False(t, e.transcoder.overlapped, "transcodes of one file ran concurrently")
	assert.Empty(t, e.gateway.files.locks)
}

func TestFileLocksIndependentPaths(t *testing.T) {
	var l fileLocks
	unlockA := l.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := l.lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}
	unlockA()
	assert.Empty(t, l.locks)
}

func TestRetrieveTranscodeFailure(t *testing.T) {
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	e.transcoder.err = transcode.ErrTranscode
	e.place(t, instance("S1", "S1.1", "S1.1.1"))

	_, err := e.gateway.Retrieve(context.Background(), models.Identifier{
		StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1",
	}, models.FormatFull)
	assert.ErrorIs(t, err, ErrTranscode)
}

func TestRetrieveFrames(t *testing.T) {
	f := instance("S1", "S1.1", "S1.1.1")
	f.Frames = 2
	f.PixelData = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	e.place(t, f)
	id := models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1", SOPInstanceUID: "S1.1.1"}

	parts, err := e.gateway.RetrieveFrames(context.Background(), id, []int{2, 1})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, []byte{5, 6, 7, 8}, parts[0].Data)
	assert.Equal(t, []byte{1, 2, 3, 4}, parts[1].Data)
	assert.Equal(t, "/rs/studies/S1/series/S1.1/instances/S1.1.1/frames/2", parts[0].Location)

	_, err = e.gateway.RetrieveFrames(context.Background(), id, []int{3})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestParseFrameList(t *testing.T) {
	frames, err := ParseFrameList("1, 3,2")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 2}, frames)

	_, err = ParseFrameList("0")
	assert.ErrorIs(t, err, ErrInvalidFrame)
	_, err = ParseFrameList("a")
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestMetadataEnrichesCachedInstances(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	a.PatientName = "ROE^JANE"
	b := instance("S1", "S1.1", "S1.1.2")
	engine := &dimsetest.Engine{FindFunc: findInstances(a, b)}
	e := newEnv(t, engine, []string{"A"})
	e.place(t, a)

	got, err := e.gateway.Metadata(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "ROE^JANE", got[0].String(query.TagPatientName))
	assert.Equal(t, 40, got[0].Int(tagWindowCenter, 0))
	assert.Equal(t, 80, got[0].Int(tagWindowWidth, 0))
	assert.Len(t, got[0][tagPixelSpacing].Value, 2)

	// not cached: peer attributes only, and no retrieval
	assert.Equal(t, "S1.1.2", got[1].String(query.TagSOPInstanceUID))
	assert.Empty(t, got[1].String(query.TagPatientName))
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve))
}

func TestMetadataFullRetrievesMissing(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	b := instance("S1", "S1.1", "S1.1.2")
	engine := &dimsetest.Engine{FindFunc: findInstances(a, b), RetrieveFunc: deliver(a, b)}
	e := newEnv(t, engine, []string{"A"}, func(_ *peers.Options, g *GatewayOptions) {
		g.FullMetadata = true
	})

	got, err := e.gateway.Metadata(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "DOE^JOHN", got[1].String(query.TagPatientName))
	assert.Equal(t, 1, engine.Calls(dimsetest.OpRetrieve))
}

func TestMetadataFullFailsOnUnparseableInstance(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	engine := &dimsetest.Engine{FindFunc: findInstances(a)}
	e := newEnv(t, engine, []string{"A"}, func(_ *peers.Options, g *GatewayOptions) {
		g.FullMetadata = true
	})
	writeRaw(t, e.store.InstancePath("S1", "S1.1.1"), []byte("not dicom"))

	_, err := e.gateway.Metadata(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}, nil)
	assert.ErrorIs(t, err, ErrParse)
}

func TestMetadataKeepsPeerAttributesForUnparseableInstance(t *testing.T) {
	a := instance("S1", "S1.1", "S1.1.1")
	engine := &dimsetest.Engine{FindFunc: findInstances(a)}
	e := newEnv(t, engine, []string{"A"})
	writeRaw(t, e.store.InstancePath("S1", "S1.1.1"), []byte("not dicom"))

	got, err := e.gateway.Metadata(context.Background(), models.Identifier{StudyInstanceUID: "S1", SeriesInstanceUID: "S1.1"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "S1.1.1", got[0].String(query.TagSOPInstanceUID))
	assert.Equal(t, "S1.1", got[0].String(query.TagSeriesInstanceUID))
	assert.Equal(t, 1, got[0].Int(query.TagInstanceNumber, 0))
	_, hasWindow := got[0][tagWindowCenter]
	assert.False(t, hasWindow)
	assert.Equal(t, 0, engine.Calls(dimsetest.OpRetrieve))
}

func TestMetadataEmptyFindIsNotFound(t *testing.T) {
	e := newEnv(t, &dimsetest.Engine{}, []string{"A"})
	_, err := e.gateway.Metadata(context.Background(), models.Identifier{StudyInstanceUID: "S1"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteMetadataBulkData(t *testing.T) {
	ds := dicomfile.Dataset{
		query.TagEncapsulatedDocument: {VR: "OB", InlineBinary: []byte("%PDF")},
	}
	completeMetadata(ds, models.Identifier{StudyInstanceUID: "S", SeriesInstanceUID: "SE", SOPInstanceUID: "I"})

	attr := ds[query.TagEncapsulatedDocument]
	assert.Nil(t, attr.InlineBinary)
	assert.Equal(t, "/rs/studies/S/series/SE/instances/I/bulkdata/00420011", attr.BulkDataURI)
	_, hasWindow := ds[tagWindowCenter]
	assert.False(t, hasWindow, "display defaults only apply to images")
}

func TestEncodeMultipart(t *testing.T) {
	parts := []Part{
		{ContentType: "application/dicom", Location: "/rs/studies/S/series/SE/instances/1", Data: []byte("one")},
		{ContentType: "application/dicom", Location: "/rs/studies/S/series/SE/instances/2", Data: []byte("two")},
	}
	body, contentType, err := EncodeMultipart(parts)
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(contentType)
	require.NoError(t, err)
	assert.Equal(t, "multipart/related", mediaType)
	assert.Equal(t, "application/dicom", params["type"])

	r := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for _, want := range parts {
		p, err := r.NextPart()
		require.NoError(t, err)
		assert.Equal(t, want.Location, p.Header.Get("Content-Location"))
		assert.NotEmpty(t, p.Header.Get("Content-ID"))
		data, err := io.ReadAll(p)
		require.NoError(t, err)
		assert.Equal(t, want.Data, data)
	}
	_, err = r.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}
