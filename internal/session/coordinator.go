package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/researchd/internal/domain"
)

// MessageDisposition tells the caller what happened to a submitted
// user message.
type MessageDisposition string

const (
	// MessageResolvedCheckpoint means the message auto-resolved a
	// pending checkpoint as implicit feedback.
	MessageResolvedCheckpoint MessageDisposition = "checkpoint_resolved"
	// MessageQueued means the message awaits asynchronous pickup by
	// the running pipeline.
	MessageQueued MessageDisposition = "queued"
	// MessageSaved means the message was recorded on an idle or
	// finished session.
	MessageSaved MessageDisposition = "saved"
)

// Coordinator bridges two independent HTTP requests: a pipeline blocked
// inside one connection suspends until a decision arrives on another,
// sharing nothing but process memory. The rendezvous is a per-checkpoint
// channel closed exactly once; every registered waiter wakes and reads
// the identical resolution.
type Coordinator struct {
	reg            *Registry
	defaultTimeout time.Duration
}

// NewCoordinator creates a coordinator over the registry. defaultTimeout
// bounds checkpoint waits when the caller passes none.
func NewCoordinator(reg *Registry, defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Coordinator{reg: reg, defaultTimeout: defaultTimeout}
}

// SetCheckpoint stores cp as the session's pending checkpoint, replacing
// any previous one (never stacking), clears stale resolutions, and moves
// the session to awaiting_checkpoint.
func (c *Coordinator) SetCheckpoint(id string, cp domain.Checkpoint) error {
	rec, ok := c.reg.get(id)
	if !ok {
		return ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	rec.sess.PendingCheckpoint = &cp
	rec.sess.CheckpointResolution = nil
	rec.sess.Status = domain.StatusAwaitingCheckpoint
	rec.sess.UpdatedAt = time.Now()
	// Wake anyone still parked on the superseded checkpoint; with no
	// resolution stored they observe a lost rendezvous instead of
	// blocking out their full timeout.
	rec.lastResolution = nil
	if rec.resolved != nil {
		close(rec.resolved)
	}
	rec.resolved = make(chan struct{})
	return nil
}

// WaitForCheckpoint blocks until exactly one of: an external resolution
// arrives, the timeout elapses (synthesizing an implicit approve recorded
// into history), or the session's cancellation fires (returning
// ErrAborted, distinct from timeout). ctx covers the HTTP connection
// driving the pipeline.
func (c *Coordinator) WaitForCheckpoint(ctx context.Context, id string, timeout time.Duration) (*domain.CheckpointResolution, error) {
	rec, ok := c.reg.get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	rec.mu.Lock()
	if rec.sess.PendingCheckpoint == nil {
		// Resolution may already have landed before the wait began.
		if rec.lastResolution != nil {
			res := *rec.lastResolution
			rec.mu.Unlock()
			return &res, nil
		}
		rec.mu.Unlock()
		return nil, ErrNoPendingCheckpoint
	}
	cpID := rec.sess.PendingCheckpoint.ID
	resolved := rec.resolved
	gen := rec.genCtx
	rec.mu.Unlock()

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var abort <-chan struct{}
	if gen != nil {
		abort = gen.Done()
	}

	select {
	case <-resolved:
	case <-timer.C:
		// Timed out: auto-approve. First-writer-wins: if an explicit
		// resolution raced past the timer this is a no-op and the
		// broadcast channel is already closed. The ID guard keeps a
		// stale timer from resolving a newer checkpoint.
		rec.mu.Lock()
		if rec.sess.PendingCheckpoint != nil && rec.sess.PendingCheckpoint.ID == cpID {
			c.resolveLocked(rec, domain.ActionApprove,
				map[string]any{"auto_resolved": true},
				"no response before timeout; approved automatically")
		}
		rec.mu.Unlock()
	case <-abort:
		return nil, ErrAborted
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.lastResolution == nil {
		// The checkpoint was cleared out from under us without a
		// resolution; treat it like a lost rendezvous.
		return nil, ErrNoPendingCheckpoint
	}
	res := *rec.lastResolution
	return &res, nil
}

// ResolveCheckpoint applies an external decision to the pending
// checkpoint. Returns false if the session is unknown or nothing is
// pending; a late call racing a timeout auto-resolution lands here and
// becomes a no-op (first-writer-wins).
func (c *Coordinator) ResolveCheckpoint(id, action string, data map[string]any, message string) bool {
	rec, ok := c.reg.get(id)
	if !ok {
		return false
	}
	return c.resolveRecord(rec, action, data, message)
}

// ClearCheckpoint resets checkpoint state and flips the session back to
// running if it is still awaiting. Idempotent.
func (c *Coordinator) ClearCheckpoint(id string) {
	rec, ok := c.reg.get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.sess.PendingCheckpoint = nil
	rec.sess.CheckpointResolution = nil
	if rec.sess.Status == domain.StatusAwaitingCheckpoint {
		rec.sess.Status = domain.StatusRunning
	}
	rec.sess.UpdatedAt = time.Now()
}

// AddUserMessage records free-text input. While a checkpoint is pending
// the message becomes an implicit feedback resolution carrying the
// content; on a running session it queues for the pipeline; otherwise it
// is just saved.
func (c *Coordinator) AddUserMessage(id, content string) (MessageDisposition, error) {
	rec, ok := c.reg.get(id)
	if !ok {
		return "", ErrSessionNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	msg := domain.UserMessage{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: time.Now(),
	}

	if rec.sess.PendingCheckpoint != nil {
		msg.Processed = true
		rec.sess.UserMessages = append(rec.sess.UserMessages, msg)
		c.resolveLocked(rec, domain.ActionFeedback, map[string]any{"feedback": content}, content)
		return MessageResolvedCheckpoint, nil
	}

	rec.sess.UserMessages = append(rec.sess.UserMessages, msg)
	rec.sess.UpdatedAt = time.Now()
	if rec.sess.Status == domain.StatusRunning {
		rec.queue = append(rec.queue, msg)
		return MessageQueued, nil
	}
	return MessageSaved, nil
}

// DrainMessages hands queued messages to the pipeline, marking them
// processed. Called by the dispatcher between steps.
func (c *Coordinator) DrainMessages(id string) []domain.UserMessage {
	rec, ok := c.reg.get(id)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.queue) == 0 {
		return nil
	}
	drained := rec.queue
	rec.queue = nil
	for i := range rec.sess.UserMessages {
		for _, d := range drained {
			if rec.sess.UserMessages[i].ID == d.ID {
				rec.sess.UserMessages[i].Processed = true
			}
		}
	}
	return drained
}

func (c *Coordinator) resolveRecord(rec *record, action string, data map[string]any, message string) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return c.resolveLocked(rec, action, data, message)
}

// resolveLocked is the single funnel for all three resolution paths
// (explicit, timeout, implicit feedback). The pending checkpoint acting
// as the write guard makes the first writer win; later calls see nil and
// do nothing. Caller holds rec.mu.
func (c *Coordinator) resolveLocked(rec *record, action string, data map[string]any, message string) bool {
	cp := rec.sess.PendingCheckpoint
	if cp == nil {
		return false
	}

	res := domain.CheckpointResolution{
		Action:     action,
		Data:       data,
		Message:    message,
		ResolvedAt: time.Now(),
	}
	rec.sess.CheckpointResolution = &res
	rec.sess.CheckpointHistory = append(rec.sess.CheckpointHistory, domain.ResolvedCheckpoint{
		Checkpoint: *cp,
		Resolution: res,
	})
	rec.sess.PendingCheckpoint = nil
	rec.sess.UpdatedAt = res.ResolvedAt
	rec.lastResolution = &res

	// Broadcast: wake every waiter at once. The payload was stored
	// above, before the close, so all of them observe the same value.
	if rec.resolved != nil {
		close(rec.resolved)
		rec.resolved = nil
	}
	return true
}
