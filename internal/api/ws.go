package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// HandleEventFeed handles GET /ws/sessions/{id}: a WebSocket mirror of
// the session's event log. The client first receives a snapshot of all
// events so far, then live deltas until it disconnects.
func (h *Handler) HandleEventFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, ok := h.registry.Get(id); !ok {
		http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", id)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", id)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// We never read application messages; CloseRead surfaces the
	// client going away through ctx.
	ctx = ws.CloseRead(ctx)

	log := h.hub.GetOrCreate(id)
	deltas, unsubscribe := log.Subscribe(128)
	defer unsubscribe()

	for _, ev := range log.Snapshot() {
		if err := writeWS(ctx, ws, map[string]any{"kind": "snapshot", "event": ev}); err != nil {
			return
		}
	}

	slog.Info("Event feed connected", "session_id", id)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Event feed disconnected", "session_id", id)
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if err := writeWS(ctx, ws, d); err != nil {
				slog.Debug("Event feed write failed", "error", err, "session_id", id)
				return
			}
		}
	}
}

func writeWS(ctx context.Context, ws *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, payload)
}
