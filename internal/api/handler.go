// Package api provides HTTP handlers for the researchd API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/halcyon-ai/researchd/internal/config"
	"github.com/halcyon-ai/researchd/internal/events"
	"github.com/halcyon-ai/researchd/internal/pipeline"
	"github.com/halcyon-ai/researchd/internal/session"
	"github.com/halcyon-ai/researchd/internal/store"
	"github.com/halcyon-ai/researchd/internal/stream"
)

// Handler bundles the session endpoints' dependencies.
type Handler struct {
	registry   *session.Registry
	coord      *session.Coordinator
	hub        *events.Hub
	dispatcher *stream.Dispatcher
	snapshots  store.SnapshotRepository
	pipe       pipeline.Pipeline
	cfg        *config.Config
}

// NewHandler creates the session API handler. snapshots may be nil.
func NewHandler(reg *session.Registry, coord *session.Coordinator, hub *events.Hub, dispatcher *stream.Dispatcher, snapshots store.SnapshotRepository, pipe pipeline.Pipeline, cfg *config.Config) *Handler {
	return &Handler{
		registry:   reg,
		coord:      coord,
		hub:        hub,
		dispatcher: dispatcher,
		snapshots:  snapshots,
		pipe:       pipe,
		cfg:        cfg,
	}
}

// RegisterRoutes mounts the session API.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.HandleCreateSession)
		r.Get("/{id}", h.HandleGetSession)
		r.Post("/{id}/checkpoint", h.HandleResolveCheckpoint)
		r.Get("/{id}/checkpoint", h.HandleGetCheckpoint)
		r.Post("/{id}/messages", h.HandlePostMessage)
		r.Post("/{id}/stop", h.HandleStop)
	})
	r.Get("/ws/sessions/{id}", h.HandleEventFeed)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decodeBody decodes a JSON request body with a size cap.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	maxBody := int64(1 << 20)
	if h.cfg != nil {
		maxBody = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
