package handler

import (
	"context"
	"net/http"

	natsclient "github.com/ThommysArt/better-chat/internal/nats"
	"github.com/ThommysArt/better-chat/internal/store"
)

// Pinger is implemented by stores with a reachable backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *natsclient.Client
	store      store.Store
}

// NewHealthHandler creates a new health handler. natsClient may be nil when
// event fan-out is disabled.
func NewHealthHandler(natsClient *natsclient.Client, st store.Store) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		store:      st,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient != nil && !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	if pinger, ok := h.store.(Pinger); ok {
		if err := pinger.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "store not reachable",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
