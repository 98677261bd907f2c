// Package session owns session lifecycle, cancellation generations, and
// the cross-request checkpoint rendezvous.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-ai/researchd/internal/domain"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoPendingCheckpoint is returned when a checkpoint operation runs
	// without a pending checkpoint on the session.
	ErrNoPendingCheckpoint = errors.New("no pending checkpoint")
	// ErrAborted is returned when the session's cancellation fired while
	// waiting. Distinct from a timeout, which auto-approves instead.
	ErrAborted = errors.New("session aborted")
)

// record is the registry's mutable state for one session. All fields are
// guarded by mu. Three independent entry points touch it concurrently:
// the stream dispatcher, the checkpoint-resolution handler, and the
// message-submission handler.
type record struct {
	mu   sync.Mutex
	sess domain.Session

	// Cancellation generation, replaced on each Start so a reused
	// session ID never inherits a fired signal.
	genCtx    context.Context
	genCancel context.CancelFunc

	// Checkpoint rendezvous: resolved is closed exactly once per pending
	// checkpoint to wake every waiter (fan-out). lastResolution is
	// written before the close and never cleared, so late-waking waiters
	// still read the identical payload.
	resolved       chan struct{}
	lastResolution *domain.CheckpointResolution

	// Messages submitted while running, awaiting pickup by the dispatcher.
	queue []domain.UserMessage
}

// Registry owns session lifecycle and cancellation tokens. It is the
// single in-memory store shared by all handlers; multi-instance
// deployment would need external coordination and is out of scope.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*record

	idleTTL  time.Duration
	capacity int
}

// NewRegistry creates a registry with the given eviction policy.
func NewRegistry(idleTTL time.Duration, capacity int) *Registry {
	if capacity <= 0 {
		capacity = 100
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Registry{
		sessions: make(map[string]*record),
		idleTTL:  idleTTL,
		capacity: capacity,
	}
}

// Create returns the session for id, creating it if needed. Idempotent:
// if the session is actively running or awaiting a checkpoint the
// existing one is returned untouched; otherwise fresh state replaces
// whatever was there. Eviction runs opportunistically first.
func (r *Registry) Create(id, query string) *domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evictLocked()

	if rec, ok := r.sessions[id]; ok {
		rec.mu.Lock()
		if rec.sess.IsActive() {
			s := rec.sess.Clone()
			rec.mu.Unlock()
			return s
		}
		// The record is being replaced; release its generation so the
		// discarded context does not linger.
		if rec.genCancel != nil {
			rec.genCancel()
		}
		rec.mu.Unlock()
	}

	now := time.Now()
	rec := &record{
		sess: domain.Session{
			ID:        id,
			Query:     query,
			Status:    domain.StatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	r.sessions[id] = rec
	return rec.sess.Clone()
}

// Get returns a copy of the session state.
func (r *Registry) Get(id string) (*domain.Session, bool) {
	rec, ok := r.get(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.sess.Clone(), true
}

// Start transitions the session to running and issues a brand-new
// cancellation generation. The returned context is the abort signal for
// this run; a prior generation's fired signal is never inherited.
func (r *Registry) Start(id string) (context.Context, bool) {
	rec, ok := r.get(id)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.genCancel != nil {
		rec.genCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec.genCtx = ctx
	rec.genCancel = cancel
	rec.sess.Status = domain.StatusRunning
	rec.sess.LastError = ""
	rec.sess.UpdatedAt = time.Now()
	return ctx, true
}

// Abort fires the current cancellation generation and marks the session
// paused. Cancellation is cooperative: in-flight upstream calls are not
// interrupted, the signal is observed between pipeline steps and inside
// checkpoint waits. Returns false for unknown sessions.
func (r *Registry) Abort(id string) bool {
	rec, ok := r.get(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.genCancel != nil {
		rec.genCancel()
	}
	if rec.sess.IsActive() {
		rec.sess.Status = domain.StatusPaused
		rec.sess.UpdatedAt = time.Now()
	}
	return true
}

// IsAborted reports whether the current generation's cancellation fired.
func (r *Registry) IsAborted(id string) bool {
	rec, ok := r.get(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.genCtx != nil && rec.genCtx.Err() != nil
}

// AbortSignal returns the done channel for the session's current
// generation, or nil if the session is unknown or never started.
func (r *Registry) AbortSignal(id string) <-chan struct{} {
	rec, ok := r.get(id)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.genCtx == nil {
		return nil
	}
	return rec.genCtx.Done()
}

// SetError records a terminal failure.
func (r *Registry) SetError(id, message string) {
	rec, ok := r.get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.sess.Status = domain.StatusError
	rec.sess.LastError = message
	rec.sess.ErrorCount++
	rec.sess.UpdatedAt = time.Now()
}

// Complete records terminal success.
func (r *Registry) Complete(id string) {
	rec, ok := r.get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.sess.Status = domain.StatusCompleted
	rec.sess.UpdatedAt = time.Now()
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// EvictIdle runs one eviction sweep and returns how many sessions were
// removed. The server runs this periodically in a background worker.
func (r *Registry) EvictIdle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evictLocked()
}

// evictLocked removes terminal sessions idle past the TTL, then trims
// the registry back under capacity, oldest-updated inactive first.
// Active sessions are never evicted regardless of age. Caller holds r.mu.
func (r *Registry) evictLocked() int {
	now := time.Now()
	removed := 0

	for id, rec := range r.sessions {
		rec.mu.Lock()
		expired := rec.sess.IsTerminal() && now.Sub(rec.sess.UpdatedAt) > r.idleTTL
		rec.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			removed++
		}
	}

	for len(r.sessions) >= r.capacity {
		var oldestID string
		var oldest time.Time
		for id, rec := range r.sessions {
			rec.mu.Lock()
			active := rec.sess.IsActive()
			updated := rec.sess.UpdatedAt
			rec.mu.Unlock()
			if active {
				continue
			}
			if oldestID == "" || updated.Before(oldest) {
				oldestID = id
				oldest = updated
			}
		}
		if oldestID == "" {
			// Every session is active; running over capacity beats
			// killing live work.
			break
		}
		delete(r.sessions, oldestID)
		removed++
	}

	if removed > 0 {
		slog.Info("Evicted sessions", "count", removed, "remaining", len(r.sessions))
	}
	return removed
}

// get fetches the record without touching its state.
func (r *Registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[id]
	return rec, ok
}

// StartEvictionWorker runs periodic eviction sweeps until ctx is done.
func StartEvictionWorker(ctx context.Context, r *Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.EvictIdle()
			}
		}
	}()
}
