// Package bridge connects the gateway to a remote WebSocket relay so that
// clients that cannot reach the gateway directly can issue QIDO and WADO
// requests through it.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/metrics"
	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/services"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

// Event names understood by the bridge
const (
	EventQIDO    = "qido-request"
	EventWADO    = "wado-request"
	EventWadoURI = "wadouri-request"
)

const (
	defaultChunkSize  = 64 * 1024
	defaultMinBackoff = 500 * time.Millisecond
	maxBackoff        = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Envelope is the frame exchanged in both directions. Responses carry the
// request uuid as their event name.
type Envelope struct {
	Event string          `json:"event"`
	UUID  string          `json:"uuid,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Chunk is one slice of a binary response
type Chunk struct {
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	ContentType string `json:"contentType"`
	Chunk       []byte `json:"chunk"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type qidoRequest struct {
	Level string            `json:"level"`
	Query map[string]string `json:"query"`
}

type wadoRequest struct {
	StudyInstanceUID  string `json:"studyInstanceUid"`
	SeriesInstanceUID string `json:"seriesInstanceUid"`
	SOPInstanceUID    string `json:"sopInstanceUid"`
	DataFormat        string `json:"dataFormat"`
	Frames            string `json:"frames"`
}

type wadoURIRequest struct {
	Query struct {
		StudyUID          string `json:"studyUID"`
		SeriesUID         string `json:"seriesUID"`
		ObjectUID         string `json:"objectUID"`
		StudyInstanceUID  string `json:"studyInstanceUid"`
		SeriesInstanceUID string `json:"seriesInstanceUid"`
		SOPInstanceUID    string `json:"sopInstanceUid"`
		ContentType       string `json:"contentType"`
	} `json:"query"`
}

type Config struct {
	URL       string
	Token     string
	ChunkSize int
	// MinBackoff is the first reconnect delay; it doubles up to 10s
	MinBackoff time.Duration
}

// Bridge is a reconnecting WebSocket client serving gateway requests
type Bridge struct {
	cfg     Config
	finder  *services.Finder
	gateway *services.Gateway
	dialer  *websocket.Dialer
	log     zerolog.Logger

	writeMu sync.Mutex
}

func New(cfg Config, finder *services.Finder, gateway *services.Gateway, logger zerolog.Logger) *Bridge {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	return &Bridge{
		cfg:     cfg,
		finder:  finder,
		gateway: gateway,
		dialer:  websocket.DefaultDialer,
		log:     logger.With().Str("component", "bridge").Str("url", cfg.URL).Logger(),
	}
}

// Run keeps the bridge connected until ctx is cancelled
func (b *Bridge) Run(ctx context.Context) error {
	backoff := b.cfg.MinBackoff
	for {
		err := b.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			backoff = b.cfg.MinBackoff
		}
		b.log.Warn().Err(err).Dur("retry_in", backoff).Msg("websocket connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect dials once and serves until the connection drops. A nil error
// means the connection was established before it was lost.
func (b *Bridge) connect(ctx context.Context) error {
	header := http.Header{}
	if b.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
	conn, resp, err := b.dialer.DialContext(ctx, b.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	b.log.Info().Msg("websocket connection established")
	metrics.BridgeConnected.Set(1)
	defer metrics.BridgeConnected.Set(0)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	err = b.serve(ctx, conn)
	b.log.Info().Err(err).Msg("websocket connection disconnected")
	return nil
}

func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				b.log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(ctx, conn, env)
		}()
	}
}

func (b *Bridge) handle(ctx context.Context, conn *websocket.Conn, env Envelope) {
	log := b.log.With().Str("event", env.Event).Str("request_id", env.UUID).Logger()
	if env.UUID == "" {
		log.Warn().Msg("request without uuid ignored")
		return
	}
	log.Info().Msg("websocket request received")

	var err error
	switch env.Event {
	case EventQIDO:
		err = b.handleQIDO(ctx, conn, env)
	case EventWADO:
		err = b.handleWADO(ctx, conn, env)
	case EventWadoURI:
		err = b.handleWadoURI(ctx, conn, env)
	default:
		log.Debug().Msg("unknown event ignored")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("websocket request failed")
		if werr := b.emit(conn, env.UUID, errorResponse{Error: err.Error()}); werr != nil {
			log.Warn().Err(werr).Msg("failed to send error response")
		}
	}
}

func (b *Bridge) handleQIDO(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	var req qidoRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("invalid qido request: %w", err)
	}
	level, err := query.ParseLevel(req.Level)
	if err != nil {
		return err
	}

	params := url.Values{}
	for k, v := range req.Query {
		params.Set(k, v)
	}
	results, err := b.finder.Find(ctx, level, models.Identifier{}, params)
	if err != nil {
		return err
	}
	if results == nil {
		results = []dicomfile.Dataset{}
	}
	return b.emit(conn, env.UUID, results)
}

func (b *Bridge) handleWADO(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	var req wadoRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("invalid wado request: %w", err)
	}
	id := models.Identifier{
		StudyInstanceUID:  req.StudyInstanceUID,
		SeriesInstanceUID: req.SeriesInstanceUID,
		SOPInstanceUID:    req.SOPInstanceUID,
	}

	var parts []services.Part
	if req.Frames != "" {
		frames, err := services.ParseFrameList(req.Frames)
		if err != nil {
			return err
		}
		if parts, err = b.gateway.RetrieveFrames(ctx, id, frames); err != nil {
			return err
		}
	} else {
		format, err := models.ParseDataFormat(req.DataFormat)
		if err != nil {
			return err
		}
		if parts, err = b.gateway.Retrieve(ctx, id, format); err != nil {
			return err
		}
	}

	body, contentType, err := services.EncodeMultipart(parts)
	if err != nil {
		return err
	}
	return b.emitChunks(conn, env.UUID, contentType, body)
}

func (b *Bridge) handleWadoURI(ctx context.Context, conn *websocket.Conn, env Envelope) error {
	var req wadoURIRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return fmt.Errorf("invalid wadouri request: %w", err)
	}
	q := req.Query
	id := models.Identifier{
		StudyInstanceUID:  firstNonEmpty(q.StudyInstanceUID, q.StudyUID),
		SeriesInstanceUID: firstNonEmpty(q.SeriesInstanceUID, q.SeriesUID),
		SOPInstanceUID:    firstNonEmpty(q.SOPInstanceUID, q.ObjectUID),
	}

	part, err := b.gateway.WadoURI(ctx, id, q.ContentType)
	if err != nil {
		return err
	}
	return b.emitChunks(conn, env.UUID, part.ContentType, part.Data)
}

func (b *Bridge) emitChunks(conn *websocket.Conn, uuid, contentType string, data []byte) error {
	for _, c := range split(data, b.cfg.ChunkSize, contentType) {
		if err := b.emit(conn, uuid, c); err != nil {
			return err
		}
	}
	return nil
}

// emit serialises writes; the connection allows a single concurrent writer
func (b *Bridge) emit(conn *websocket.Conn, uuid string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(Envelope{Event: uuid, UUID: uuid, Data: data})
}

// split cuts data into size byte chunks. Empty data still yields one chunk.
func split(data []byte, size int, contentType string) []Chunk {
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := make([]Chunk, 0, total)
	for i := range total {
		end := min((i+1)*size, len(data))
		out = append(out, Chunk{
			Index:       i,
			Total:       total,
			ContentType: contentType,
			Chunk:       data[i*size : end],
		})
	}
	return out
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxBackoff)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
