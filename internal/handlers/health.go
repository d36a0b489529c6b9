package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"gorm.io/gorm"

	"github.com/otcheredev/dicomweb-gateway/internal/database"
	"github.com/otcheredev/dicomweb-gateway/pkg/dimse"
)

type HealthHandler struct {
	storageRoot string
	db          *gorm.DB
	limiter     *dimse.AssociationLimiter
}

// NewHealthHandler creates a health handler. db and limiter may be nil.
func NewHealthHandler(storageRoot string, db *gorm.DB, limiter *dimse.AssociationLimiter) *HealthHandler {
	return &HealthHandler{
		storageRoot: storageRoot,
		db:          db,
		limiter:     limiter,
	}
}

type healthResponse struct {
	Status       string            `json:"status"`
	Timestamp    time.Time         `json:"timestamp"`
	Services     map[string]string `json:"services"`
	Associations *dimse.PoolStats  `json:"associations,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if err := h.checkStorage(); err != nil {
		response.Services["storage"] = "unhealthy: " + err.Error()
		response.Status = "degraded"
	} else {
		response.Services["storage"] = "healthy"
	}

	if h.db != nil {
		if err := database.Ping(h.db); err != nil {
			response.Services["database"] = "unhealthy"
			response.Status = "degraded"
		} else {
			response.Services["database"] = "healthy"
		}
	}

	if h.limiter != nil {
		stats := h.limiter.Stats()
		response.Associations = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.checkStorage(); err != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// checkStorage verifies the object cache root accepts writes
func (h *HealthHandler) checkStorage() error {
	f, err := os.CreateTemp(h.storageRoot, ".health-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
