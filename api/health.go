package api

import (
	"net/http"

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/thread"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store  *thread.Store
	logger log.Logger
}

// NewHealthHandler creates a new health handler. The store's backend is
// pinged for readiness checks.
func NewHealthHandler(store *thread.Store, logger log.Logger) *HealthHandler {
	return &HealthHandler{store: store, logger: logger}
}

// RegisterRoutes registers health routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.liveness)
	mux.HandleFunc("GET /ready", h.readiness)
}

// liveness returns 200 OK if the process is alive.
func (h *HealthHandler) liveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readiness returns 200 OK if the storage backend is reachable.
func (h *HealthHandler) readiness(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "thread store not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("readiness check failed", "error", err)
		http.Error(w, "storage not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
