// Package stream drives the pipeline for one session and writes the
// SSE wire protocol.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// FrameKind identifies a wire frame. Frames are written as
// `data: <json>\n\n` with the kind inside the payload.
type FrameKind string

const (
	FrameMessageStart    FrameKind = "message_start"
	FrameMessageContent  FrameKind = "message_content"
	FrameMessageComplete FrameKind = "message_complete"

	FrameStepStart    FrameKind = "step_start"
	FrameStepUpdate   FrameKind = "step_update"
	FrameStepComplete FrameKind = "step_complete"

	FrameCardCreated FrameKind = "card_created"
	FrameCardUpdated FrameKind = "card_updated"

	FrameCheckpointReached  FrameKind = "checkpoint_reached"
	FrameCheckpointResolved FrameKind = "checkpoint_resolved"

	FrameAgentPaused  FrameKind = "agent_paused"
	FrameAgentResumed FrameKind = "agent_resumed"

	FrameSessionComplete FrameKind = "session_complete"
	FrameSessionError    FrameKind = "session_error"
)

// Frame is the wire envelope.
type Frame struct {
	Type      FrameKind `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// Writer serializes frames onto one SSE connection. Writes are
// mutex-guarded so the keepalive ticker and the dispatcher never
// interleave partial frames.
type Writer struct {
	mu        sync.Mutex
	w         io.Writer
	flusher   http.Flusher
	sessionID string
}

// NewWriter wraps an SSE response. flusher may be nil in tests.
func NewWriter(w io.Writer, flusher http.Flusher, sessionID string) *Writer {
	return &Writer{w: w, flusher: flusher, sessionID: sessionID}
}

// WriteFrame sends one frame and flushes it.
func (sw *Writer) WriteFrame(kind FrameKind, data any) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	frame := Frame{
		Type:      kind,
		SessionID: sw.sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", kind, err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// WriteKeepalive sends an SSE comment line that clients ignore.
func (sw *Writer) WriteKeepalive() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if _, err := io.WriteString(sw.w, ": keepalive\n\n"); err != nil {
		return err
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}
