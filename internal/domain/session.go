// Package domain contains core domain types for the researchd server.
package domain

import (
	"time"
)

// SessionStatus describes where a session is in its lifecycle.
type SessionStatus string

const (
	// StatusIdle means the session exists but the pipeline has not started.
	StatusIdle SessionStatus = "idle"
	// StatusRunning means the pipeline is actively producing events.
	StatusRunning SessionStatus = "running"
	// StatusPaused means the user stopped the session; resumable only via a fresh start.
	StatusPaused SessionStatus = "paused"
	// StatusAwaitingCheckpoint means the pipeline is blocked on a human decision.
	StatusAwaitingCheckpoint SessionStatus = "awaiting_checkpoint"
	// StatusCompleted is a terminal success state.
	StatusCompleted SessionStatus = "completed"
	// StatusError is a terminal failure state.
	StatusError SessionStatus = "error"
)

// Session is one run of the research pipeline.
type Session struct {
	ID                   string                `json:"id"`
	Query                string                `json:"query"`
	Status               SessionStatus         `json:"status"`
	CreatedAt            time.Time             `json:"created_at"`
	UpdatedAt            time.Time             `json:"updated_at"`
	PendingCheckpoint    *Checkpoint           `json:"pending_checkpoint,omitempty"`
	CheckpointResolution *CheckpointResolution `json:"checkpoint_resolution,omitempty"`
	CheckpointHistory    []ResolvedCheckpoint  `json:"checkpoint_history,omitempty"`
	UserMessages         []UserMessage         `json:"user_messages,omitempty"`
	LastError            string                `json:"last_error,omitempty"`
	ErrorCount           int                   `json:"error_count"`
}

// IsActive reports whether the session is doing work right now.
// Active sessions are never evicted from the registry.
func (s *Session) IsActive() bool {
	return s.Status == StatusRunning || s.Status == StatusAwaitingCheckpoint
}

// IsTerminal reports whether the session reached a final state.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusError
}

// Clone returns a deep copy so callers never share mutable state
// with the registry's internal record.
func (s *Session) Clone() *Session {
	c := *s
	if s.PendingCheckpoint != nil {
		cp := *s.PendingCheckpoint
		cp.Options = append([]CheckpointOption(nil), s.PendingCheckpoint.Options...)
		c.PendingCheckpoint = &cp
	}
	if s.CheckpointResolution != nil {
		r := *s.CheckpointResolution
		c.CheckpointResolution = &r
	}
	c.CheckpointHistory = append([]ResolvedCheckpoint(nil), s.CheckpointHistory...)
	c.UserMessages = append([]UserMessage(nil), s.UserMessages...)
	return &c
}
