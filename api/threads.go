package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/thread"
)

// Thread validation constants.
const (
	MaxTitleLength = 200
	MaxTags        = 32
	MaxTagLength   = 64
	MaxCleanupDays = 3650
)

// callerHeader carries the caller's user id. Absent means anonymous.
const callerHeader = "X-User-ID"

// ThreadHandler handles thread management endpoints.
type ThreadHandler struct {
	store  *thread.Store
	logger log.Logger
}

// NewThreadHandler creates a new thread handler.
func NewThreadHandler(store *thread.Store, logger log.Logger) *ThreadHandler {
	return &ThreadHandler{store: store, logger: logger}
}

// RegisterRoutes registers thread routes on the given mux.
func (h *ThreadHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /threads", h.list)
	mux.HandleFunc("POST /threads", h.create)
	mux.HandleFunc("GET /threads/{id}", h.get)
	mux.HandleFunc("GET /threads/{id}/export", h.export)
	mux.HandleFunc("PATCH /threads/{id}", h.patch)
	mux.HandleFunc("DELETE /threads/{id}", h.delete)
	mux.HandleFunc("POST /threads/cleanup", h.cleanup)
}

func caller(r *http.Request) string {
	return r.Header.Get(callerHeader)
}

// list returns the threads visible to the caller, most recent first.
func (h *ThreadHandler) list(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.ListThreads(r.Context(), caller(r))
	if err != nil {
		h.logger.Error("failed to list threads", "error", err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threads": summaries,
		"total":   len(summaries),
	})
}

// CreateThreadRequest is the request body for creating a thread.
type CreateThreadRequest struct {
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

func validTags(tags []string) bool {
	if len(tags) > MaxTags {
		return false
	}
	for _, tag := range tags {
		if tag == "" || len(tag) > MaxTagLength {
			return false
		}
	}
	return true
}

// create creates a new thread owned by the caller.
func (h *ThreadHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if len(req.Title) > MaxTitleLength {
		writeError(w, http.StatusBadRequest, "invalid_title", "title too long")
		return
	}
	if !validTags(req.Tags) {
		writeError(w, http.StatusBadRequest, "invalid_tags", "too many tags or tag too long")
		return
	}

	created, err := h.store.CreateThread(r.Context(), caller(r), req.Title, req.Tags)
	if err != nil {
		h.logger.Error("failed to create thread", "error", err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// get returns the full thread including its turn history.
func (h *ThreadHandler) get(w http.ResponseWriter, r *http.Request) {
	th, err := h.store.GetThread(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

// export returns the thread history as a download: the full thread JSON by
// default, or a plain-text transcript with ?format=txt.
func (h *ThreadHandler) export(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "txt" {
		writeError(w, http.StatusBadRequest, "invalid_format", `format must be "json" or "txt"`)
		return
	}

	th, err := h.store.GetThread(r.Context(), caller(r), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if format == "json" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", th.ThreadID+".json"))
		writeJSON(w, http.StatusOK, th)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Thread: %s\n", th.ThreadID)
	if th.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", th.Title)
	}
	b.WriteString(strings.Repeat("=", 50) + "\n\n")
	for _, turn := range th.Turns {
		fmt.Fprintf(&b, "[%d] %s (%s):\n%s\n\n", turn.SequenceNumber, turn.Role,
			turn.CreatedAt.Format(time.RFC3339), turn.Content)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", th.ThreadID+".txt"))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, b.String())
}

// PatchThreadRequest is the request body for editing thread metadata.
// Omitted fields are left unchanged.
type PatchThreadRequest struct {
	Title *string   `json:"title"`
	Tags  *[]string `json:"tags"`
}

// patch edits a thread's title and tags.
func (h *ThreadHandler) patch(w http.ResponseWriter, r *http.Request) {
	var req PatchThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if req.Title == nil && req.Tags == nil {
		writeError(w, http.StatusBadRequest, "empty_patch", "provide title and/or tags")
		return
	}
	if req.Title != nil && len(*req.Title) > MaxTitleLength {
		writeError(w, http.StatusBadRequest, "invalid_title", "title too long")
		return
	}
	if req.Tags != nil && !validTags(*req.Tags) {
		writeError(w, http.StatusBadRequest, "invalid_tags", "too many tags or tag too long")
		return
	}

	updated, err := h.store.UpdateMetadata(r.Context(), caller(r), r.PathValue("id"),
		thread.Metadata{Title: req.Title, Tags: req.Tags})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// delete permanently removes a thread.
func (h *ThreadHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteThread(r.Context(), caller(r), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CleanupRequest is the request body for age-based bulk deletion.
type CleanupRequest struct {
	Days int `json:"days"`
}

// cleanup deletes threads not updated within the given number of days.
func (h *ThreadHandler) cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if req.Days <= 0 || req.Days > MaxCleanupDays {
		writeError(w, http.StatusBadRequest, "invalid_days", "days must be between 1 and 3650")
		return
	}

	deleted, err := h.store.CleanupOlderThan(r.Context(), req.Days)
	if err != nil {
		h.logger.Error("cleanup failed", "error", err)
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted_count": deleted})
}
