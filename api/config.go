package api

import (
	"net/http"

	"github.com/loomhq/loom/internal/config"
)

// ConfigHandler serves the resolved configuration with secrets redacted.
type ConfigHandler struct {
	resolved config.Resolved
}

func NewConfigHandler(resolved config.Resolved) *ConfigHandler {
	return &ConfigHandler{resolved: resolved}
}

// RegisterRoutes registers config routes on the given mux.
func (h *ConfigHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /config", h.get)
}

// configResponse is the JSON view of a resolved configuration.
type configResponse struct {
	BackendKind     string `json:"backend_kind"`
	Target          string `json:"target"`
	TableName       string `json:"table_name"`
	IDPrefix        string `json:"id_prefix"`
	Encrypt         bool   `json:"encrypt"`
	Persist         bool   `json:"persist"`
	RequireAuth     bool   `json:"require_auth"`
	UserIsolation   bool   `json:"user_isolation"`
	MaxThreads      int    `json:"max_threads"`
	AutoCleanupDays int    `json:"auto_cleanup_days"`
}

func (h *ConfigHandler) get(w http.ResponseWriter, _ *http.Request) {
	r := h.resolved.Redacted()
	writeJSON(w, http.StatusOK, configResponse{
		BackendKind:     string(r.Kind),
		Target:          r.Target,
		TableName:       r.TableName,
		IDPrefix:        r.IDPrefix,
		Encrypt:         r.Encrypt,
		Persist:         r.Persist,
		RequireAuth:     r.RequireAuth,
		UserIsolation:   r.UserIsolation,
		MaxThreads:      r.MaxThreads,
		AutoCleanupDays: r.AutoCleanupDays,
	})
}
