package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"resonance-backend/application/ports"
	pkgerrors "resonance-backend/pkg/errors"
)

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	responder
	store   ports.ConnectionStore
	backend string
	started time.Time
}

func NewHealthHandler(store ports.ConnectionStore, backend string, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		responder: responder{errors: errs, logger: logger},
		store:     store,
		backend:   backend,
		started:   time.Now(),
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Health handles GET /health. It never touches dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, healthResponse{
		Status: "healthy",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	})
}

// Ready handles GET /ready by reading one page from the store.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.Scan(ctx, ports.ScanQuery{Limit: 1}); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		h.respondJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Storage: h.backend, Error: err.Error()})
		return
	}
	h.respondJSON(w, http.StatusOK, healthResponse{Status: "ready", Storage: h.backend})
}
