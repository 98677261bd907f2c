// Package events deduplicates and merges pipeline progress notices into
// a stable event log and broadcasts deltas to subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-ai/researchd/internal/domain"
)

// DeltaKind tells subscribers what happened to an event.
type DeltaKind string

const (
	DeltaCreated   DeltaKind = "created"
	DeltaUpdated   DeltaKind = "updated"
	DeltaCompleted DeltaKind = "completed"
)

// Delta is the broadcast unit. Updates carry only the changed fields to
// keep the wire payload small; creations carry the full record.
type Delta struct {
	EventID string             `json:"event_id"`
	Kind    DeltaKind          `json:"kind"`
	Fields  map[string]any     `json:"fields,omitempty"`
	Event   *domain.AgentEvent `json:"event,omitempty"`
}

// Emit describes a progress notice. Iteration 0 means "unset": step
// types on the auto-iterate list get the next counter value, everything
// else stays without an iteration.
type Emit struct {
	Stage     string
	StepType  string
	Title     string
	Subtitle  string
	Status    domain.EventStatus
	Iteration int
	Meta      map[string]any
	ParentID  string
}

// Patch is a partial update merged into a stored event.
type Patch struct {
	Title    *string
	Subtitle *string
	Status   *domain.EventStatus
	Meta     map[string]any
}

// Manager is the per-process event log. Event IDs are deterministic from
// (stage, stepType, iteration) so re-emitting the same step updates in
// place instead of duplicating.
type Manager struct {
	mu          sync.Mutex
	events      map[string]*domain.AgentEvent
	order       []string
	iterations  map[string]int // stage:stepType -> last issued iteration
	totals      map[string]int // stage:stepType -> total iterations, if known
	autoIterate map[string]bool
	subs        map[int64]chan Delta
	nextSub     int64
}

// defaultAutoIterate lists the multi-round step types whose omitted
// iteration auto-increments.
var defaultAutoIterate = []string{"search", "quality_check", "refine"}

// NewManager creates an event manager. stepTypes overrides the
// auto-iterate allow-list; nil keeps the default.
func NewManager(stepTypes ...string) *Manager {
	if len(stepTypes) == 0 {
		stepTypes = defaultAutoIterate
	}
	auto := make(map[string]bool, len(stepTypes))
	for _, st := range stepTypes {
		auto[st] = true
	}
	return &Manager{
		events:      make(map[string]*domain.AgentEvent),
		iterations:  make(map[string]int),
		totals:      make(map[string]int),
		autoIterate: auto,
		subs:        make(map[int64]chan Delta),
	}
}

func iterKey(stage, stepType string) string {
	return stage + ":" + stepType
}

// EmitEvent records a progress notice, returning a copy of the stored
// event. A second emit with the same (stage, stepType, iteration)
// degrades to an update; the event count never grows for repeats.
func (m *Manager) EmitEvent(e Emit) *domain.AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := iterKey(e.Stage, e.StepType)
	iteration := e.Iteration
	switch {
	case iteration == 0 && m.autoIterate[e.StepType]:
		m.iterations[key]++
		iteration = m.iterations[key]
	case iteration > m.iterations[key]:
		// Explicit iterations keep the counter monotonic.
		m.iterations[key] = iteration
	}

	id := domain.EventID(e.Stage, e.StepType, iteration)

	if existing, ok := m.events[id]; ok {
		fields := make(map[string]any)
		if e.Status != "" && e.Status != existing.Status {
			existing.Status = e.Status
			fields["status"] = e.Status
		}
		if e.Title != "" && e.Title != existing.Title {
			existing.Title = e.Title
			fields["title"] = e.Title
		}
		if e.Subtitle != "" && e.Subtitle != existing.Subtitle {
			existing.Subtitle = e.Subtitle
			fields["subtitle"] = e.Subtitle
		}
		if len(e.Meta) > 0 {
			mergeMeta(existing, e.Meta)
			fields["meta"] = e.Meta
		}
		if len(fields) > 0 {
			m.broadcastLocked(Delta{EventID: id, Kind: DeltaUpdated, Fields: fields})
		}
		return existing.Clone()
	}

	status := e.Status
	if status == "" {
		status = domain.EventRunning
	}
	ev := &domain.AgentEvent{
		ID:              id,
		Stage:           e.Stage,
		StepType:        e.StepType,
		Title:           e.Title,
		Subtitle:        e.Subtitle,
		Status:          status,
		Iteration:       iteration,
		TotalIterations: m.totals[key],
		StartTime:       time.Now(),
		ParentID:        e.ParentID,
	}
	if len(e.Meta) > 0 {
		mergeMeta(ev, e.Meta)
	}
	m.events[id] = ev
	m.order = append(m.order, id)
	m.broadcastLocked(Delta{EventID: id, Kind: DeltaCreated, Event: ev.Clone()})
	return ev.Clone()
}

// Update merges a partial patch into the stored event and broadcasts
// only the delta. Returns false for unknown IDs.
func (m *Manager) Update(id string, p Patch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return false
	}
	fields := make(map[string]any)
	if p.Title != nil && *p.Title != ev.Title {
		ev.Title = *p.Title
		fields["title"] = *p.Title
	}
	if p.Subtitle != nil && *p.Subtitle != ev.Subtitle {
		ev.Subtitle = *p.Subtitle
		fields["subtitle"] = *p.Subtitle
	}
	if p.Status != nil && *p.Status != ev.Status {
		ev.Status = *p.Status
		fields["status"] = *p.Status
	}
	if len(p.Meta) > 0 {
		mergeMeta(ev, p.Meta)
		fields["meta"] = p.Meta
	}
	if len(fields) > 0 {
		m.broadcastLocked(Delta{EventID: id, Kind: DeltaUpdated, Fields: fields})
	}
	return true
}

// Complete stamps the end time, computes the duration, merges meta, and
// broadcasts the completion.
func (m *Manager) Complete(id string, status domain.EventStatus, meta map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return false
	}
	now := time.Now()
	ev.Status = status
	ev.EndTime = &now
	ev.DurationMs = now.Sub(ev.StartTime).Milliseconds()
	if len(meta) > 0 {
		mergeMeta(ev, meta)
	}
	fields := map[string]any{
		"status":      status,
		"end_time":    now,
		"duration_ms": ev.DurationMs,
	}
	if len(meta) > 0 {
		fields["meta"] = meta
	}
	m.broadcastLocked(Delta{EventID: id, Kind: DeltaCompleted, Fields: fields})
	return true
}

// Get returns a copy of the stored event.
func (m *Manager) Get(id string) (*domain.AgentEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, false
	}
	return ev.Clone(), true
}

// Snapshot returns copies of all events in production order.
func (m *Manager) Snapshot() []domain.AgentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AgentEvent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.events[id].Clone())
	}
	return out
}

// Len returns the number of stored events.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// CurrentIteration returns the last issued iteration for a step key.
func (m *Manager) CurrentIteration(stage, stepType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterations[iterKey(stage, stepType)]
}

// ResetIteration restarts the counter so the next omitted iteration is 1.
func (m *Manager) ResetIteration(stage, stepType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.iterations, iterKey(stage, stepType))
}

// SetTotalIterations records how many rounds a step key will run,
// often only known after the fact, and patches events already emitted
// for that key so "i of n" displays can catch up.
func (m *Manager) SetTotalIterations(stage, stepType string, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totals[iterKey(stage, stepType)] = total
	for _, id := range m.order {
		ev := m.events[id]
		if ev.Stage == stage && ev.StepType == stepType && ev.TotalIterations != total {
			ev.TotalIterations = total
			m.broadcastLocked(Delta{EventID: id, Kind: DeltaUpdated, Fields: map[string]any{
				"total_iterations": total,
			}})
		}
	}
}

// Subscribe registers a delta listener. The returned cancel function
// must be called to release the subscription.
func (m *Manager) Subscribe(buffer int) (<-chan Delta, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	id := m.nextSub
	ch := make(chan Delta, buffer)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// broadcastLocked fans a delta out to all subscribers. Sends never
// block: a subscriber that falls behind loses deltas rather than
// stalling event production. Caller holds m.mu.
func (m *Manager) broadcastLocked(d Delta) {
	for id, ch := range m.subs {
		select {
		case ch <- d:
		default:
			slog.Warn("Event subscriber lagging, delta dropped", "subscriber", id, "event_id", d.EventID)
		}
	}
}

func mergeMeta(ev *domain.AgentEvent, meta map[string]any) {
	if ev.Meta == nil {
		ev.Meta = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		ev.Meta[k] = v
	}
}
