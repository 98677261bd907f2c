package domain

import (
	"time"
)

// WorkflowSnapshot is a persisted point-in-time view of a session's
// orchestration state, written at checkpoint resolutions and terminal
// transitions. It outlives registry eviction so clients can still read
// checkpoint history for finished sessions.
type WorkflowSnapshot struct {
	SessionID         string               `json:"session_id"`
	Query             string               `json:"query"`
	Status            SessionStatus        `json:"status"`
	CheckpointHistory []ResolvedCheckpoint `json:"checkpoint_history,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}
