// Package pipeline defines the research pipeline consumed by the
// stream dispatcher: a lazy, one-shot sequence of domain events.
package pipeline

import (
	"context"
	"iter"
)

// Kind identifies what a pipeline event carries.
type Kind string

const (
	// KindPlan carries the research plan; the dispatcher raises a
	// plan-approval checkpoint right after it.
	KindPlan Kind = "plan"
	// KindSearchRound reports one completed search round.
	KindSearchRound Kind = "search_round"
	// KindQualityGate reports a quality check; a failed gate raises a
	// review checkpoint.
	KindQualityGate Kind = "quality_gate"
	// KindContentChunk is an incremental piece of the report body.
	KindContentChunk Kind = "content_chunk"
	// KindDone marks clean pipeline completion.
	KindDone Kind = "done"
)

// Card is a structured artifact surfaced to the client (a plan, a
// findings summary) that checkpoints can reference.
type Card struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Event is one unit of pipeline progress.
type Event struct {
	Kind        Kind
	Stage       string
	StepType    string
	Iteration   int
	TotalRounds int
	Title       string
	Content     string
	Card        *Card
	Passed      bool
	Meta        map[string]any
}

// Pipeline produces the event sequence for one query. The sequence is
// lazy and one-shot: it cannot be restarted, and an error ends it.
type Pipeline interface {
	Run(ctx context.Context, query string) iter.Seq2[Event, error]
}
