package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/halcyon-ai/researchd/internal/session"
	"github.com/halcyon-ai/researchd/internal/stream"
)

// CreateSessionRequest starts (or restarts) a research session.
type CreateSessionRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
}

// ResolveCheckpointRequest carries a human decision for the pending
// checkpoint.
type ResolveCheckpointRequest struct {
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Action       string         `json:"action"`
	Data         map[string]any `json:"data,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// PostMessageRequest is free-text user input for a session.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// HandleCreateSession handles POST /sessions: it opens the SSE stream
// and drives the whole pipeline inside this one connection, suspending
// at checkpoints until decisions arrive on the side channel.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Query == "" {
		Error(w, http.StatusBadRequest, "query is required")
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess := h.registry.Create(sessionID, req.Query)
	slog.Info("Session stream opened", "session_id", sess.ID, "query_length", len(req.Query))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sw := stream.NewWriter(w, flusher, sess.ID)

	// Keepalive runs beside the dispatcher so checkpoint waits longer
	// than the proxy idle timeout don't sever the stream.
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	stopKeepalive := h.startKeepalive(r.Context(), sw, keepaliveInterval)
	defer stopKeepalive()

	h.dispatcher.Run(r.Context(), sw, sess.ID, req.Query, h.pipe)
	slog.Info("Session stream closed", "session_id", sess.ID)
}

func (h *Handler) startKeepalive(ctx context.Context, sw *stream.Writer, interval time.Duration) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sw.WriteKeepalive(); err != nil {
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// HandleGetSession handles GET /sessions/{id}, the polling fallback for
// session status. Evicted sessions fall back to their last snapshot.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := h.registry.Get(id); ok {
		JSON(w, http.StatusOK, sess)
		return
	}
	if h.snapshots != nil {
		snap, err := h.snapshots.GetSnapshot(r.Context(), id)
		if err != nil {
			slog.Warn("Snapshot lookup failed", "session_id", id, "error", err)
		} else if snap != nil {
			JSON(w, http.StatusOK, snap)
			return
		}
	}
	Error(w, http.StatusNotFound, "session not found")
}

// HandleResolveCheckpoint handles POST /sessions/{id}/checkpoint, the
// side-channel half of the rendezvous. The mutation is synchronous; the
// suspended stream wakes and emits checkpoint_resolved strictly after
// this call completes.
func (h *Handler) HandleResolveCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, ok := h.registry.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	var req ResolveCheckpointRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		Error(w, http.StatusBadRequest, "action is required")
		return
	}
	if sess.PendingCheckpoint == nil {
		Error(w, http.StatusBadRequest, "no pending checkpoint")
		return
	}
	if req.CheckpointID != "" && req.CheckpointID != sess.PendingCheckpoint.ID {
		Error(w, http.StatusBadRequest, "checkpoint id mismatch")
		return
	}

	// A timeout auto-approve may have won the race since the Get
	// above; first-writer-wins makes this call a no-op then.
	if !h.coord.ResolveCheckpoint(id, req.Action, req.Data, req.Message) {
		Error(w, http.StatusBadRequest, "no pending checkpoint")
		return
	}

	slog.Info("Checkpoint resolved", "session_id", id, "action", req.Action)
	JSON(w, http.StatusOK, map[string]string{"action": req.Action})
}

// HandleGetCheckpoint handles GET /sessions/{id}/checkpoint, the
// polling fallback: current pending checkpoint plus history.
func (h *Handler) HandleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := h.registry.Get(id); ok {
		JSON(w, http.StatusOK, map[string]any{
			"pending_checkpoint": sess.PendingCheckpoint,
			"history":            sess.CheckpointHistory,
		})
		return
	}
	if h.snapshots != nil {
		snap, err := h.snapshots.GetSnapshot(r.Context(), id)
		if err == nil && snap != nil {
			JSON(w, http.StatusOK, map[string]any{
				"pending_checkpoint": nil,
				"history":            snap.CheckpointHistory,
			})
			return
		}
	}
	Error(w, http.StatusNotFound, "session not found")
}

// HandlePostMessage handles POST /sessions/{id}/messages. The outcome
// depends on session state: a pending checkpoint absorbs the message as
// implicit feedback, a running session queues it, anything else just
// saves it.
func (h *Handler) HandlePostMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req PostMessageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	disposition, err := h.coord.AddUserMessage(id, req.Content)
	if err != nil {
		if err == session.ErrSessionNotFound {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Info("User message accepted", "session_id", id, "disposition", disposition)
	JSON(w, http.StatusOK, map[string]string{"status": string(disposition)})
}

// HandleStop handles POST /sessions/{id}/stop: idempotently fires the
// cancellation token. The stream observes it cooperatively and ends
// with agent_paused.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.registry.Abort(id) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	slog.Info("Session stop requested", "session_id", id)
	JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}
