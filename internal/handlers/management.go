package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/services"
)

type ManagementHandler struct {
	peerService *services.PeerService
	log         zerolog.Logger
}

func NewManagementHandler(peerService *services.PeerService, logger zerolog.Logger) *ManagementHandler {
	return &ManagementHandler{
		peerService: peerService,
		log:         logger.With().Str("component", "management").Logger(),
	}
}

// Routes registers the peer management endpoints on r
func (h *ManagementHandler) Routes(r chi.Router) {
	r.Get("/peers", h.ListPeers)
	r.Get("/peers/status", h.PeerHistory)
	r.Post("/peers/echo", h.EchoAll)
	r.Post("/peers/{aet}/echo", h.TestConnection)
}

type peerResponse struct {
	AETitle string `json:"ae_title"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// ListPeers returns the configured peers in fallback order
func (h *ManagementHandler) ListPeers(w http.ResponseWriter, r *http.Request) {
	list := h.peerService.Peers()
	out := make([]peerResponse, 0, len(list))
	for _, p := range list {
		out = append(out, peerResponse{
			AETitle: p.AETitle,
			Host:    p.Host,
			Port:    p.Port,
			Mode:    string(p.Mode),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// EchoAll C-ECHOes every peer
func (h *ManagementHandler) EchoAll(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.peerService.EchoAll(r.Context())
	if err != nil {
		h.log.Warn().Err(err).Msg("Echo of all peers interrupted")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statuses)
}

// TestConnection C-ECHOes a single peer
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	aet := chi.URLParam(r, "aet")
	status, err := h.peerService.TestConnection(r.Context(), aet)
	if errors.Is(err, services.ErrNotFound) {
		http.Error(w, "Unknown peer "+aet, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("peer", aet).Msg("Connection test failed")
	}

	// Return 200 with is_connected false when the echo itself failed
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// PeerHistory returns the persisted echo results
func (h *ManagementHandler) PeerHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.peerService.History(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get peer status history")
		http.Error(w, "Failed to get peer status history", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(history)
}
