package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/internal/query"
	"github.com/otcheredev/dicomweb-gateway/internal/services"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

const dicomJSON = "application/dicom+json"

type DICOMWebHandler struct {
	finder  *services.Finder
	gateway *services.Gateway
	log     zerolog.Logger
}

func NewDICOMWebHandler(finder *services.Finder, gateway *services.Gateway, logger zerolog.Logger) *DICOMWebHandler {
	return &DICOMWebHandler{
		finder:  finder,
		gateway: gateway,
		log:     logger.With().Str("component", "dicomweb").Logger(),
	}
}

// Routes registers the QIDO-RS and WADO-RS endpoints on r
func (h *DICOMWebHandler) Routes(r chi.Router) {
	// QIDO-RS (Query)
	r.Get("/studies", h.SearchStudies)
	r.Get("/studies/{study}/series", h.SearchSeries)
	r.Get("/studies/{study}/instances", h.SearchInstances)
	r.Get("/studies/{study}/series/{series}/instances", h.SearchInstances)

	// WADO-RS (Metadata)
	r.Get("/studies/{study}/metadata", h.Metadata)
	r.Get("/studies/{study}/series/{series}/metadata", h.Metadata)
	r.Get("/studies/{study}/series/{series}/instances/{instance}/metadata", h.Metadata)

	// WADO-RS (Retrieve)
	r.Get("/studies/{study}", h.Retrieve)
	r.Get("/studies/{study}/{format:pixeldata|rendered|thumbnail}", h.Retrieve)
	r.Get("/studies/{study}/series/{series}", h.Retrieve)
	r.Get("/studies/{study}/series/{series}/{format:pixeldata|rendered|thumbnail}", h.Retrieve)
	r.Get("/studies/{study}/series/{series}/instances/{instance}", h.Retrieve)
	r.Get("/studies/{study}/series/{series}/instances/{instance}/{format:pixeldata|rendered|thumbnail}", h.Retrieve)
	r.Get("/studies/{study}/series/{series}/instances/{instance}/frames/{frames}", h.RetrieveFrames)
	r.Get("/studies/{study}/series/{series}/instances/{instance}/bulkdata/{tag}", h.BulkData)
}

// SearchStudies handles QIDO-RS study search
func (h *DICOMWebHandler) SearchStudies(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, query.LevelStudy)
}

// SearchSeries handles QIDO-RS series search
func (h *DICOMWebHandler) SearchSeries(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, query.LevelSeries)
}

// SearchInstances handles QIDO-RS instance search
func (h *DICOMWebHandler) SearchInstances(w http.ResponseWriter, r *http.Request) {
	h.search(w, r, query.LevelImage)
}

func (h *DICOMWebHandler) search(w http.ResponseWriter, r *http.Request, level query.Level) {
	scope := identifier(r)
	results, err := h.finder.Find(r.Context(), level, scope, r.URL.Query())
	if err != nil {
		h.fail(w, err, "Failed to search "+level.String(), scope)
		return
	}
	writeDatasets(w, results)
}

// Metadata handles WADO-RS metadata retrieval at study, series or instance level
func (h *DICOMWebHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	results, err := h.gateway.Metadata(r.Context(), id, r.URL.Query())
	if err != nil {
		h.fail(w, err, "Failed to get metadata", id)
		return
	}
	writeDatasets(w, results)
}

// Retrieve handles WADO-RS object retrieval in every data format
func (h *DICOMWebHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	format, err := models.ParseDataFormat(chi.URLParam(r, "format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	parts, err := h.gateway.Retrieve(r.Context(), id, format)
	if err != nil {
		h.fail(w, err, "Failed to retrieve", id)
		return
	}
	h.writeMultipart(w, parts, id)
}

// RetrieveFrames handles WADO-RS frame retrieval
func (h *DICOMWebHandler) RetrieveFrames(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	frames, err := services.ParseFrameList(chi.URLParam(r, "frames"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	parts, err := h.gateway.RetrieveFrames(r.Context(), id, frames)
	if err != nil {
		h.fail(w, err, "Failed to retrieve frames", id)
		return
	}
	h.writeMultipart(w, parts, id)
}

// BulkData serves the bytes behind a BulkDataURI
func (h *DICOMWebHandler) BulkData(w http.ResponseWriter, r *http.Request) {
	id := identifier(r)
	part, err := h.gateway.BulkData(r.Context(), id, chi.URLParam(r, "tag"))
	if err != nil {
		h.fail(w, err, "Failed to retrieve bulk data", id)
		return
	}
	writePart(w, part)
}

// WadoURI handles WADO-URI single object retrieval
func (h *DICOMWebHandler) WadoURI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if rt := q.Get("requestType"); rt != "" && rt != "WADO" {
		http.Error(w, "requestType must be WADO", http.StatusBadRequest)
		return
	}
	id := models.Identifier{
		StudyInstanceUID:  q.Get("studyUID"),
		SeriesInstanceUID: q.Get("seriesUID"),
		SOPInstanceUID:    q.Get("objectUID"),
	}

	part, err := h.gateway.WadoURI(r.Context(), id, q.Get("contentType"))
	if err != nil {
		h.fail(w, err, "Failed to retrieve object", id)
		return
	}
	writePart(w, part)
}

func (h *DICOMWebHandler) writeMultipart(w http.ResponseWriter, parts []services.Part, id models.Identifier) {
	body, contentType, err := services.EncodeMultipart(parts)
	if err != nil {
		h.fail(w, err, "Failed to encode response", id)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Write(body)
}

func (h *DICOMWebHandler) fail(w http.ResponseWriter, err error, msg string, id models.Identifier) {
	status := statusFor(err)
	evt := h.log.Error()
	if status < http.StatusInternalServerError {
		evt = h.log.Warn()
	}
	evt.Err(err).
		Str("study_uid", id.StudyInstanceUID).
		Str("series_uid", id.SeriesInstanceUID).
		Str("instance_uid", id.SOPInstanceUID).
		Msg(msg)
	http.Error(w, msg+": "+err.Error(), status)
}

// statusFor maps service errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrMissingParameters),
		errors.Is(err, services.ErrInvalidLevel),
		errors.Is(err, services.ErrInvalidFrame):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func identifier(r *http.Request) models.Identifier {
	return models.Identifier{
		StudyInstanceUID:  chi.URLParam(r, "study"),
		SeriesInstanceUID: chi.URLParam(r, "series"),
		SOPInstanceUID:    chi.URLParam(r, "instance"),
	}
}

func writeDatasets(w http.ResponseWriter, results []dicomfile.Dataset) {
	if results == nil {
		results = []dicomfile.Dataset{}
	}
	w.Header().Set("Content-Type", dicomJSON)
	json.NewEncoder(w).Encode(results)
}

func writePart(w http.ResponseWriter, part *services.Part) {
	w.Header().Set("Content-Type", part.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(part.Data)))
	w.Write(part.Data)
}
