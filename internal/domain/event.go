package domain

import (
	"fmt"
	"time"
)

// EventStatus tracks a pipeline step's progress.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventRunning EventStatus = "running"
	EventSuccess EventStatus = "success"
	EventFailed  EventStatus = "error"
)

// AgentEvent is one logical step of pipeline progress. Repeated notices
// for the same (stage, step type, iteration) collapse into a single
// mutable record identified by a deterministic ID.
type AgentEvent struct {
	ID              string         `json:"id"`
	Stage           string         `json:"stage"`
	StepType        string         `json:"step_type"`
	Title           string         `json:"title"`
	Subtitle        string         `json:"subtitle,omitempty"`
	Status          EventStatus    `json:"status"`
	Iteration       int            `json:"iteration,omitempty"`
	TotalIterations int            `json:"total_iterations,omitempty"`
	Meta            map[string]any `json:"meta,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         *time.Time     `json:"end_time,omitempty"`
	DurationMs      int64          `json:"duration_ms,omitempty"`
	ParentID        string         `json:"parent_id,omitempty"`
}

// EventID builds the deterministic event identifier. An iteration of
// zero means "not a multi-round step" and is left out of the ID so
// re-emits land on the same record.
func EventID(stage, stepType string, iteration int) string {
	if iteration > 0 {
		return fmt.Sprintf("%s-%s-%d", stage, stepType, iteration)
	}
	return stage + "-" + stepType
}

// Clone returns a copy with its own meta map.
func (e *AgentEvent) Clone() *AgentEvent {
	c := *e
	if e.EndTime != nil {
		t := *e.EndTime
		c.EndTime = &t
	}
	if e.Meta != nil {
		c.Meta = make(map[string]any, len(e.Meta))
		for k, v := range e.Meta {
			c.Meta[k] = v
		}
	}
	return &c
}
