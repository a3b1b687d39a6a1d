package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/loomhq/loom/internal/storage"
	"github.com/loomhq/loom/internal/thread"
)

// writeJSON writes a JSON response with the given status code.
// Note: If encoding fails after WriteHeader is called, there's no way to
// notify the client since the status code is already sent. The error is
// logged for debugging but doesn't affect the response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// writeStoreError maps a thread-store error to its HTTP status.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, thread.ErrAuthRequired):
		writeError(w, http.StatusUnauthorized, "authentication_required", "provide a user id via the X-User-ID header")
	case errors.Is(err, thread.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied", "thread belongs to another user")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "thread does not exist")
	case errors.Is(err, thread.ErrThreadLimit):
		writeError(w, http.StatusTooManyRequests, "thread_limit", err.Error())
	case errors.Is(err, thread.ErrInvalidTurn):
		writeError(w, http.StatusBadRequest, "invalid_turn", err.Error())
	case errors.Is(err, thread.ErrCorruptCheckpoint):
		writeError(w, http.StatusUnprocessableEntity, "corrupt_checkpoint", "this thread's history could not be loaded")
	case errors.Is(err, storage.ErrConcurrentModification), errors.Is(err, thread.ErrTooManyRetries):
		writeError(w, http.StatusConflict, "conflict", "concurrent modification, please retry")
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "storage backend unreachable")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
