package domain

import (
	"testing"
	"time"
)

func TestEventID(t *testing.T) {
	cases := []struct {
		stage, stepType string
		iteration       int
		want            string
	}{
		{"research", "plan", 0, "research-plan"},
		{"research", "search", 1, "research-search-1"},
		{"research", "search", 3, "research-search-3"},
	}
	for _, tc := range cases {
		if got := EventID(tc.stage, tc.stepType, tc.iteration); got != tc.want {
			t.Errorf("EventID(%q, %q, %d) = %q, want %q", tc.stage, tc.stepType, tc.iteration, got, tc.want)
		}
	}
}

func TestSession_Lifecycle(t *testing.T) {
	cases := []struct {
		status   SessionStatus
		active   bool
		terminal bool
	}{
		{StatusIdle, false, false},
		{StatusRunning, true, false},
		{StatusPaused, false, false},
		{StatusAwaitingCheckpoint, true, false},
		{StatusCompleted, false, true},
		{StatusError, false, true},
	}
	for _, tc := range cases {
		s := &Session{Status: tc.status}
		if s.IsActive() != tc.active {
			t.Errorf("IsActive(%q) = %v, want %v", tc.status, s.IsActive(), tc.active)
		}
		if s.IsTerminal() != tc.terminal {
			t.Errorf("IsTerminal(%q) = %v, want %v", tc.status, s.IsTerminal(), tc.terminal)
		}
	}
}

func TestSession_CloneIsDeep(t *testing.T) {
	orig := &Session{
		ID:     "s1",
		Status: StatusAwaitingCheckpoint,
		PendingCheckpoint: &Checkpoint{
			ID:      "cp1",
			Options: []CheckpointOption{{ID: "approve", Action: ActionApprove}},
		},
		CheckpointHistory: []ResolvedCheckpoint{{Checkpoint: Checkpoint{ID: "cp0"}}},
		UserMessages:      []UserMessage{{ID: "m1", Content: "hi"}},
	}

	c := orig.Clone()
	c.PendingCheckpoint.ID = "mutated"
	c.PendingCheckpoint.Options[0].Action = ActionRetry
	c.CheckpointHistory[0].Checkpoint.ID = "mutated"
	c.UserMessages[0].Content = "mutated"

	if orig.PendingCheckpoint.ID != "cp1" {
		t.Errorf("Clone shared the pending checkpoint")
	}
	if orig.PendingCheckpoint.Options[0].Action != ActionApprove {
		t.Errorf("Clone shared the options slice")
	}
	if orig.CheckpointHistory[0].Checkpoint.ID != "cp0" {
		t.Errorf("Clone shared the history slice")
	}
	if orig.UserMessages[0].Content != "hi" {
		t.Errorf("Clone shared the messages slice")
	}
}

func TestAgentEvent_CloneIsDeep(t *testing.T) {
	end := time.Now()
	orig := &AgentEvent{
		ID:      "research-plan",
		Meta:    map[string]any{"plan": "original"},
		EndTime: &end,
	}

	c := orig.Clone()
	c.Meta["plan"] = "mutated"
	*c.EndTime = end.Add(time.Hour)

	if orig.Meta["plan"] != "original" {
		t.Errorf("Clone shared the meta map")
	}
	if !orig.EndTime.Equal(end) {
		t.Errorf("Clone shared the end time")
	}
}
