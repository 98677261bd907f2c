package events

import (
	"testing"

	"github.com/halcyon-ai/researchd/internal/domain"
)

func TestManager_EmitDeduplicates(t *testing.T) {
	m := NewManager()

	first := m.EmitEvent(Emit{Stage: "research", StepType: "plan", Title: "Planning", Status: domain.EventRunning})
	second := m.EmitEvent(Emit{Stage: "research", StepType: "plan", Title: "Planning", Status: domain.EventSuccess})

	if m.Len() != 1 {
		t.Errorf("Expected repeat emit to merge, got %d events", m.Len())
	}
	if first.ID != second.ID {
		t.Errorf("Expected stable ID across emits, got %q then %q", first.ID, second.ID)
	}
	if second.Status != domain.EventSuccess {
		t.Errorf("Expected status merged to success, got %q", second.Status)
	}
}

func TestManager_AutoIterationIncrements(t *testing.T) {
	m := NewManager()

	e1 := m.EmitEvent(Emit{Stage: "research", StepType: "search", Title: "Search round"})
	e2 := m.EmitEvent(Emit{Stage: "research", StepType: "search", Title: "Search round"})

	if e1.Iteration != 1 || e2.Iteration != 2 {
		t.Errorf("Expected iterations 1 and 2, got %d and %d", e1.Iteration, e2.Iteration)
	}
	if e1.ID == e2.ID {
		t.Errorf("Expected distinct IDs per round, both %q", e1.ID)
	}
	if m.Len() != 2 {
		t.Errorf("Expected 2 events, got %d", m.Len())
	}
}

func TestManager_NonIteratingStepSkipsCounter(t *testing.T) {
	m := NewManager()

	ev := m.EmitEvent(Emit{Stage: "research", StepType: "plan", Title: "Planning"})
	if ev.Iteration != 0 {
		t.Errorf("Expected no iteration for plan step, got %d", ev.Iteration)
	}
	if ev.ID != "research-plan" {
		t.Errorf("Expected ID without iteration suffix, got %q", ev.ID)
	}
}

func TestManager_ExplicitIterationKeepsCounterMonotonic(t *testing.T) {
	m := NewManager()

	m.EmitEvent(Emit{Stage: "research", StepType: "search", Iteration: 3})
	next := m.EmitEvent(Emit{Stage: "research", StepType: "search"})

	if next.Iteration != 4 {
		t.Errorf("Expected auto iteration to continue at 4, got %d", next.Iteration)
	}
}

func TestManager_ResetIterationRestartsAtOne(t *testing.T) {
	m := NewManager()

	m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	m.ResetIteration("research", "search")

	ev := m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	if ev.Iteration != 1 {
		t.Errorf("Expected iteration restarted at 1, got %d", ev.Iteration)
	}
}

func TestManager_CompleteStampsDuration(t *testing.T) {
	m := NewManager()

	ev := m.EmitEvent(Emit{Stage: "research", StepType: "plan", Title: "Planning"})
	if !m.Complete(ev.ID, domain.EventSuccess, map[string]any{"plan": "three rounds"}) {
		t.Fatalf("Complete returned false for known event")
	}

	got, ok := m.Get(ev.ID)
	if !ok {
		t.Fatalf("Event missing after completion")
	}
	if got.Status != domain.EventSuccess {
		t.Errorf("Expected status success, got %q", got.Status)
	}
	if got.EndTime == nil {
		t.Errorf("Expected end time stamped")
	}
	if got.Meta["plan"] != "three rounds" {
		t.Errorf("Expected meta merged, got %v", got.Meta)
	}
}

func TestManager_CompleteUnknownEvent(t *testing.T) {
	m := NewManager()
	if m.Complete("research-ghost", domain.EventSuccess, nil) {
		t.Errorf("Expected Complete false for unknown event")
	}
}

func TestManager_SetTotalIterationsPatchesExisting(t *testing.T) {
	m := NewManager()

	e1 := m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	m.SetTotalIterations("research", "search", 3)

	got, _ := m.Get(e1.ID)
	if got.TotalIterations != 3 {
		t.Errorf("Expected existing event patched to total 3, got %d", got.TotalIterations)
	}

	e2 := m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	if e2.TotalIterations != 3 {
		t.Errorf("Expected new event to carry total 3, got %d", e2.TotalIterations)
	}
}

func TestManager_SubscribeReceivesDeltas(t *testing.T) {
	m := NewManager()
	deltas, cancel := m.Subscribe(8)
	defer cancel()

	ev := m.EmitEvent(Emit{Stage: "research", StepType: "plan", Title: "Planning"})
	m.Complete(ev.ID, domain.EventSuccess, nil)

	created := <-deltas
	if created.Kind != DeltaCreated || created.EventID != ev.ID {
		t.Errorf("Expected created delta for %q, got %+v", ev.ID, created)
	}
	if created.Event == nil || created.Event.Title != "Planning" {
		t.Errorf("Expected full event on creation delta, got %+v", created.Event)
	}

	completed := <-deltas
	if completed.Kind != DeltaCompleted {
		t.Errorf("Expected completed delta, got %q", completed.Kind)
	}
	if completed.Fields["status"] != domain.EventSuccess {
		t.Errorf("Expected status field in completion delta, got %v", completed.Fields)
	}
}

func TestManager_UpdateBroadcastsOnlyChanges(t *testing.T) {
	m := NewManager()
	ev := m.EmitEvent(Emit{Stage: "research", StepType: "plan", Title: "Planning"})

	deltas, cancel := m.Subscribe(8)
	defer cancel()

	title := "Planning"
	if !m.Update(ev.ID, Patch{Title: &title}) {
		t.Fatalf("Update returned false for known event")
	}
	select {
	case d := <-deltas:
		t.Errorf("Expected no delta for no-op patch, got %+v", d)
	default:
	}

	subtitle := "3 rounds planned"
	m.Update(ev.ID, Patch{Subtitle: &subtitle})
	d := <-deltas
	if d.Kind != DeltaUpdated || d.Fields["subtitle"] != subtitle {
		t.Errorf("Expected subtitle-only delta, got %+v", d)
	}
	if _, ok := d.Fields["title"]; ok {
		t.Errorf("Expected unchanged title omitted from delta")
	}
}

func TestManager_SnapshotPreservesOrder(t *testing.T) {
	m := NewManager()
	m.EmitEvent(Emit{Stage: "research", StepType: "plan"})
	m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	m.EmitEvent(Emit{Stage: "research", StepType: "search"})

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(snap))
	}
	want := []string{"research-plan", "research-search-1", "research-search-2"}
	for i, id := range want {
		if snap[i].ID != id {
			t.Errorf("Expected snapshot[%d] = %q, got %q", i, id, snap[i].ID)
		}
	}
}

func TestManager_LaggingSubscriberDropsDeltas(t *testing.T) {
	m := NewManager()
	deltas, cancel := m.Subscribe(1)
	defer cancel()

	m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	m.EmitEvent(Emit{Stage: "research", StepType: "search"})
	m.EmitEvent(Emit{Stage: "research", StepType: "search"})

	// Producer never blocked; buffer holds only the first delta.
	if len(deltas) != 1 {
		t.Errorf("Expected 1 buffered delta, got %d", len(deltas))
	}
	if m.Len() != 3 {
		t.Errorf("Expected all 3 events recorded despite slow subscriber, got %d", m.Len())
	}
}

func TestHub_ResetInstallsFreshManager(t *testing.T) {
	h := NewHub()

	m1 := h.GetOrCreate("s1")
	m1.EmitEvent(Emit{Stage: "research", StepType: "search"})

	m2 := h.Reset("s1")
	if m2 == m1 {
		t.Errorf("Expected a fresh manager after reset")
	}
	if m2.Len() != 0 {
		t.Errorf("Expected empty log after reset, got %d events", m2.Len())
	}
	if ev := m2.EmitEvent(Emit{Stage: "research", StepType: "search"}); ev.Iteration != 1 {
		t.Errorf("Expected iteration counter restarted, got %d", ev.Iteration)
	}
}

func TestHub_PruneDropsDeadSessions(t *testing.T) {
	h := NewHub()
	h.GetOrCreate("alive")
	h.GetOrCreate("dead")

	removed := h.Prune(func(id string) bool { return id == "alive" })
	if removed != 1 {
		t.Errorf("Expected 1 manager pruned, got %d", removed)
	}
	if h.Get("alive") == nil {
		t.Errorf("Expected live session's manager retained")
	}
	if h.Get("dead") != nil {
		t.Errorf("Expected dead session's manager dropped")
	}
}
