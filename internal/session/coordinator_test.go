package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/halcyon-ai/researchd/internal/domain"
)

func newTestCheckpoint(id string) domain.Checkpoint {
	return domain.Checkpoint{
		ID:    id,
		Type:  domain.CheckpointPlanApproval,
		Title: "Approve research plan",
		Options: []domain.CheckpointOption{
			{ID: "approve", Label: "Looks good", Action: domain.ActionApprove},
			{ID: "redirect", Label: "Change direction", Action: domain.ActionRedirect},
		},
		RequiredAction: true,
	}
}

func setupSession(t *testing.T, c *Coordinator, r *Registry, id string) {
	t.Helper()
	r.Create(id, "test query")
	if _, ok := r.Start(id); !ok {
		t.Fatalf("Start failed for %s", id)
	}
}

func TestCoordinator_ResolveWakesWaiter(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	type result struct {
		res *domain.CheckpointResolution
		err error
	}
	got := make(chan result, 1)
	go func() {
		res, err := c.WaitForCheckpoint(context.Background(), "s1", time.Minute)
		got <- result{res, err}
	}()

	// Let the waiter block before resolving.
	time.Sleep(10 * time.Millisecond)

	if !c.ResolveCheckpoint("s1", domain.ActionRedirect, map[string]any{"direction": "narrower"}, "focus on one vendor") {
		t.Fatalf("ResolveCheckpoint returned false with a pending checkpoint")
	}

	select {
	case out := <-got:
		if out.err != nil {
			t.Fatalf("WaitForCheckpoint failed: %v", out.err)
		}
		if out.res.Action != domain.ActionRedirect {
			t.Errorf("Expected action redirect, got %q", out.res.Action)
		}
		if out.res.Message != "focus on one vendor" {
			t.Errorf("Expected message carried through, got %q", out.res.Message)
		}
	case <-time.After(time.Second):
		t.Fatalf("Waiter never woke after resolution")
	}

	sess, _ := r.Get("s1")
	if sess.PendingCheckpoint != nil {
		t.Errorf("Expected pending checkpoint cleared after resolution")
	}
	if len(sess.CheckpointHistory) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(sess.CheckpointHistory))
	}
	if sess.CheckpointHistory[0].Checkpoint.ID != "cp1" {
		t.Errorf("Expected history to record cp1, got %q", sess.CheckpointHistory[0].Checkpoint.ID)
	}
}

func TestCoordinator_AllWaitersSeeSameResolution(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	const waiters = 5
	results := make(chan *domain.CheckpointResolution, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.WaitForCheckpoint(context.Background(), "s1", time.Minute)
			if err != nil {
				t.Errorf("WaitForCheckpoint failed: %v", err)
				return
			}
			results <- res
		}()
	}

	time.Sleep(10 * time.Millisecond)
	c.ResolveCheckpoint("s1", domain.ActionApprove, nil, "go ahead")
	wg.Wait()
	close(results)

	count := 0
	for res := range results {
		count++
		if res.Action != domain.ActionApprove || res.Message != "go ahead" {
			t.Errorf("Waiter saw divergent resolution: %+v", res)
		}
	}
	if count != waiters {
		t.Errorf("Expected %d waiters woken, got %d", waiters, count)
	}
}

func TestCoordinator_ResolveWithoutPending(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if c.ResolveCheckpoint("s1", domain.ActionApprove, nil, "") {
		t.Errorf("Expected resolve to fail with nothing pending")
	}
	sess, _ := r.Get("s1")
	if len(sess.CheckpointHistory) != 0 {
		t.Errorf("Expected history untouched, got %d entries", len(sess.CheckpointHistory))
	}
}

func TestCoordinator_TimeoutAutoApproves(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	res, err := c.WaitForCheckpoint(context.Background(), "s1", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForCheckpoint failed: %v", err)
	}
	if res.Action != domain.ActionApprove {
		t.Errorf("Expected auto-approve, got %q", res.Action)
	}
	if auto, _ := res.Data["auto_resolved"].(bool); !auto {
		t.Errorf("Expected auto_resolved marker in resolution data")
	}

	sess, _ := r.Get("s1")
	if len(sess.CheckpointHistory) != 1 {
		t.Errorf("Expected timeout resolution recorded in history, got %d entries", len(sess.CheckpointHistory))
	}
}

func TestCoordinator_ResolveAfterTimeoutIsNoOp(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}
	if _, err := c.WaitForCheckpoint(context.Background(), "s1", 10*time.Millisecond); err != nil {
		t.Fatalf("WaitForCheckpoint failed: %v", err)
	}

	if c.ResolveCheckpoint("s1", domain.ActionRedirect, nil, "too late") {
		t.Errorf("Expected late resolve to lose the race and no-op")
	}
	sess, _ := r.Get("s1")
	if len(sess.CheckpointHistory) != 1 {
		t.Errorf("Expected single history entry after losing race, got %d", len(sess.CheckpointHistory))
	}
}

func TestCoordinator_AbortRejectsWaiter(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.WaitForCheckpoint(context.Background(), "s1", time.Minute)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	r.Abort("s1")

	select {
	case err := <-errs:
		if !errors.Is(err, ErrAborted) {
			t.Errorf("Expected ErrAborted, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Waiter never returned after abort")
	}
}

func TestCoordinator_WaitHonorsContext(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := c.WaitForCheckpoint(ctx, "s1", time.Minute)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Waiter never returned after context cancel")
	}
}

func TestCoordinator_ReplacedCheckpointReleasesWaiters(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp1")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.WaitForCheckpoint(context.Background(), "s1", time.Minute)
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)

	// Superseding the checkpoint must wake the parked waiter promptly,
	// not strand it for the full timeout.
	if err := c.SetCheckpoint("s1", newTestCheckpoint("cp2")); err != nil {
		t.Fatalf("SetCheckpoint failed: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrNoPendingCheckpoint) {
			t.Errorf("Expected lost rendezvous for superseded checkpoint, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Waiter stayed parked after its checkpoint was replaced")
	}

	// The replacement checkpoint still resolves normally.
	if !c.ResolveCheckpoint("s1", domain.ActionApprove, nil, "") {
		t.Errorf("Expected cp2 still resolvable after replacing cp1")
	}
}

func TestCoordinator_SetCheckpointReplacesPending(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	c.SetCheckpoint("s1", newTestCheckpoint("cp1"))
	c.SetCheckpoint("s1", newTestCheckpoint("cp2"))

	sess, _ := r.Get("s1")
	if sess.PendingCheckpoint == nil || sess.PendingCheckpoint.ID != "cp2" {
		t.Fatalf("Expected cp2 pending, got %+v", sess.PendingCheckpoint)
	}
	if sess.Status != domain.StatusAwaitingCheckpoint {
		t.Errorf("Expected status awaiting_checkpoint, got %q", sess.Status)
	}
}

func TestCoordinator_AddUserMessageResolvesPendingCheckpoint(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	c.SetCheckpoint("s1", newTestCheckpoint("cp1"))

	disp, err := c.AddUserMessage("s1", "actually compare prices instead")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if disp != MessageResolvedCheckpoint {
		t.Errorf("Expected disposition checkpoint_resolved, got %q", disp)
	}

	sess, _ := r.Get("s1")
	if sess.PendingCheckpoint != nil {
		t.Errorf("Expected checkpoint consumed by implicit feedback")
	}
	if len(sess.CheckpointHistory) != 1 {
		t.Fatalf("Expected resolution recorded, got %d entries", len(sess.CheckpointHistory))
	}
	res := sess.CheckpointHistory[0].Resolution
	if res.Action != domain.ActionFeedback {
		t.Errorf("Expected feedback action, got %q", res.Action)
	}
	if res.Data["feedback"] != "actually compare prices instead" {
		t.Errorf("Expected message content in resolution data, got %v", res.Data)
	}
	if len(sess.UserMessages) != 1 || !sess.UserMessages[0].Processed {
		t.Errorf("Expected message saved and marked processed")
	}
}

func TestCoordinator_AddUserMessageQueuesWhileRunning(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")

	disp, err := c.AddUserMessage("s1", "prefer peer-reviewed sources")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if disp != MessageQueued {
		t.Errorf("Expected disposition queued, got %q", disp)
	}

	drained := c.DrainMessages("s1")
	if len(drained) != 1 || drained[0].Content != "prefer peer-reviewed sources" {
		t.Fatalf("Expected queued message drained, got %+v", drained)
	}
	if c.DrainMessages("s1") != nil {
		t.Errorf("Expected queue empty after drain")
	}

	sess, _ := r.Get("s1")
	if len(sess.UserMessages) != 1 || !sess.UserMessages[0].Processed {
		t.Errorf("Expected drained message marked processed")
	}
}

func TestCoordinator_AddUserMessageSavedWhenFinished(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")
	r.Complete("s1")

	disp, err := c.AddUserMessage("s1", "thanks")
	if err != nil {
		t.Fatalf("AddUserMessage failed: %v", err)
	}
	if disp != MessageSaved {
		t.Errorf("Expected disposition saved, got %q", disp)
	}
	if c.DrainMessages("s1") != nil {
		t.Errorf("Expected nothing queued on a finished session")
	}
}

func TestCoordinator_AddUserMessageUnknownSession(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)

	if _, err := c.AddUserMessage("ghost", "hello"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestCoordinator_ConcurrentResolversSingleWinner(t *testing.T) {
	r := NewRegistry(time.Hour, 10)
	c := NewCoordinator(r, time.Minute)
	setupSession(t, c, r, "s1")
	c.SetCheckpoint("s1", newTestCheckpoint("cp1"))

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- c.ResolveCheckpoint("s1", domain.ActionApprove, nil, "")
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winning resolver, got %d", winners)
	}
	sess, _ := r.Get("s1")
	if len(sess.CheckpointHistory) != 1 {
		t.Errorf("Expected single history entry, got %d", len(sess.CheckpointHistory))
	}
}
