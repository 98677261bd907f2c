package domain

import (
	"time"
)

// CheckpointType categorizes what kind of decision a checkpoint asks for.
type CheckpointType string

const (
	// CheckpointPlanApproval asks the user to approve or redirect the research plan.
	CheckpointPlanApproval CheckpointType = "plan_approval"
	// CheckpointQualityGate asks the user to accept or retry a quality check result.
	CheckpointQualityGate CheckpointType = "quality_gate"
)

// CheckpointOption is one of the choices presented to the user.
type CheckpointOption struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Checkpoint is a pipeline point requiring an explicit human decision
// before the pipeline continues.
type Checkpoint struct {
	ID             string             `json:"id"`
	Type           CheckpointType     `json:"type"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	Options        []CheckpointOption `json:"options,omitempty"`
	RequiredAction bool               `json:"required_action"`
	CreatedAt      time.Time          `json:"created_at"`
	CardID         string             `json:"card_id,omitempty"`
}

// Well-known resolution actions.
const (
	ActionApprove  = "approve"
	ActionRedirect = "redirect"
	ActionFeedback = "feedback"
	ActionRetry    = "retry"
)

// CheckpointResolution is the decision that unblocks a checkpoint.
type CheckpointResolution struct {
	Action     string         `json:"action"`
	Data       map[string]any `json:"data,omitempty"`
	Message    string         `json:"message,omitempty"`
	ResolvedAt time.Time      `json:"resolved_at"`
}

// ResolvedCheckpoint pairs a checkpoint with the resolution that closed it.
// Only fully resolved pairs ever enter a session's history.
type ResolvedCheckpoint struct {
	Checkpoint Checkpoint           `json:"checkpoint"`
	Resolution CheckpointResolution `json:"resolution"`
}
