package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/researchd/internal/domain"
	"github.com/halcyon-ai/researchd/internal/events"
	"github.com/halcyon-ai/researchd/internal/model"
	"github.com/halcyon-ai/researchd/internal/pipeline"
	"github.com/halcyon-ai/researchd/internal/session"
	"github.com/halcyon-ai/researchd/internal/store"
)

const snapshotTimeout = 5 * time.Second

// Dispatcher drives the pipeline sequence for one session, translates
// its events through the event manager, interleaves checkpoint waits,
// and writes the wire protocol. Cancellation is cooperative: the abort
// signal is observed between pipeline steps and inside checkpoint
// waits, never by killing an in-flight call.
type Dispatcher struct {
	registry          *session.Registry
	coord             *session.Coordinator
	hub               *events.Hub
	snapshots         store.SnapshotRepository
	checkpointTimeout time.Duration
}

// NewDispatcher wires the dispatcher's collaborators. snapshots may be
// nil, disabling persistence.
func NewDispatcher(reg *session.Registry, coord *session.Coordinator, hub *events.Hub, snapshots store.SnapshotRepository, checkpointTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		registry:          reg,
		coord:             coord,
		hub:               hub,
		snapshots:         snapshots,
		checkpointTimeout: checkpointTimeout,
	}
}

// Run executes the pipeline for sessionID, writing frames to sw until a
// terminal frame. Exactly one terminal frame is written per run:
// session_complete, session_error, or agent_paused.
func (d *Dispatcher) Run(reqCtx context.Context, sw *Writer, sessionID, query string, pipe pipeline.Pipeline) {
	genCtx, ok := d.registry.Start(sessionID)
	if !ok {
		d.writeFrame(sw, FrameSessionError, map[string]any{"message": "unknown session"})
		return
	}

	// The pipeline context dies with either the stop signal or the
	// client connection, whichever fires first.
	runCtx, cancel := context.WithCancel(genCtx)
	defer cancel()
	go func() {
		select {
		case <-reqCtx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	// Fresh event log for this generation; a reused session ID starts
	// its iteration counters over.
	log := d.hub.Reset(sessionID)

	d.writeFrame(sw, FrameMessageStart, map[string]any{"query": query})

	for ev, err := range pipe.Run(runCtx, query) {
		if err != nil {
			d.finishWithError(sw, sessionID, err)
			return
		}

		// Abort check at the step boundary.
		if d.registry.IsAborted(sessionID) {
			d.finishPaused(sw, sessionID)
			return
		}

		d.forwardQueuedMessages(sw, log, sessionID)

		done, err := d.handleEvent(reqCtx, sw, log, sessionID, ev)
		if err != nil {
			d.finishWithError(sw, sessionID, err)
			return
		}
		if done {
			return
		}
	}

	// The sequence ended without a done event; still a clean finish.
	d.finishComplete(sw, sessionID)
}

// handleEvent translates one pipeline event. Returns done=true after
// the terminal frame has been written.
func (d *Dispatcher) handleEvent(reqCtx context.Context, sw *Writer, log *events.Manager, sessionID string, ev pipeline.Event) (bool, error) {
	switch ev.Kind {
	case pipeline.KindPlan:
		rec := log.EmitEvent(events.Emit{
			Stage:    ev.Stage,
			StepType: ev.StepType,
			Title:    ev.Title,
			Status:   domain.EventRunning,
		})
		d.writeFrame(sw, FrameStepStart, rec)
		log.Complete(rec.ID, domain.EventSuccess, map[string]any{"plan": ev.Content})
		d.writeFrame(sw, FrameStepComplete, map[string]any{"event_id": rec.ID, "status": domain.EventSuccess})

		cardID := ""
		if ev.Card != nil {
			cardID = ev.Card.ID
			d.writeFrame(sw, FrameCardCreated, ev.Card)
		}

		cp := domain.Checkpoint{
			ID:          uuid.NewString(),
			Type:        domain.CheckpointPlanApproval,
			Title:       "Approve research plan",
			Description: ev.Content,
			Options: []domain.CheckpointOption{
				{ID: "approve", Label: "Looks good", Action: domain.ActionApprove},
				{ID: "redirect", Label: "Change direction", Action: domain.ActionRedirect},
			},
			RequiredAction: true,
			CardID:         cardID,
		}
		return false, d.runCheckpoint(reqCtx, sw, sessionID, cp)

	case pipeline.KindSearchRound:
		if ev.TotalRounds > 0 {
			log.SetTotalIterations(ev.Stage, ev.StepType, ev.TotalRounds)
		}
		rec := log.EmitEvent(events.Emit{
			Stage:     ev.Stage,
			StepType:  ev.StepType,
			Title:     ev.Title,
			Status:    domain.EventRunning,
			Iteration: ev.Iteration,
		})
		d.writeFrame(sw, FrameStepStart, rec)
		log.Complete(rec.ID, domain.EventSuccess, map[string]any{"summary": ev.Content})
		d.writeFrame(sw, FrameStepComplete, map[string]any{"event_id": rec.ID, "status": domain.EventSuccess})
		return false, nil

	case pipeline.KindQualityGate:
		rec := log.EmitEvent(events.Emit{
			Stage:    ev.Stage,
			StepType: ev.StepType,
			Title:    ev.Title,
			Status:   domain.EventRunning,
			Meta:     ev.Meta,
		})
		d.writeFrame(sw, FrameStepStart, rec)
		if ev.Passed {
			log.Complete(rec.ID, domain.EventSuccess, nil)
			d.writeFrame(sw, FrameStepComplete, map[string]any{"event_id": rec.ID, "status": domain.EventSuccess, "passed": true})
			return false, nil
		}

		log.Complete(rec.ID, domain.EventFailed, nil)
		d.writeFrame(sw, FrameStepComplete, map[string]any{"event_id": rec.ID, "status": domain.EventFailed, "passed": false})
		cp := domain.Checkpoint{
			ID:          uuid.NewString(),
			Type:        domain.CheckpointQualityGate,
			Title:       "Quality check needs review",
			Description: ev.Title,
			Options: []domain.CheckpointOption{
				{ID: "approve", Label: "Continue anyway", Action: domain.ActionApprove},
				{ID: "retry", Label: "Search again", Action: domain.ActionRetry},
			},
			RequiredAction: true,
		}
		return false, d.runCheckpoint(reqCtx, sw, sessionID, cp)

	case pipeline.KindContentChunk:
		d.writeFrame(sw, FrameMessageContent, map[string]any{"delta": ev.Content})
		return false, nil

	case pipeline.KindDone:
		d.finishComplete(sw, sessionID)
		return true, nil

	default:
		slog.Warn("Unknown pipeline event kind", "kind", ev.Kind, "session_id", sessionID)
		return false, nil
	}
}

// runCheckpoint suspends the stream until a decision arrives from the
// checkpoint handler, the timeout auto-approves, or the session aborts.
// checkpoint_resolved is written strictly after the resolution lands.
func (d *Dispatcher) runCheckpoint(reqCtx context.Context, sw *Writer, sessionID string, cp domain.Checkpoint) error {
	if err := d.coord.SetCheckpoint(sessionID, cp); err != nil {
		return err
	}
	d.writeFrame(sw, FrameCheckpointReached, cp)

	res, err := d.coord.WaitForCheckpoint(reqCtx, sessionID, d.checkpointTimeout)
	if err != nil {
		return err
	}

	d.writeFrame(sw, FrameCheckpointResolved, map[string]any{
		"checkpoint_id": cp.ID,
		"resolution":    res,
	})
	d.coord.ClearCheckpoint(sessionID)
	d.writeFrame(sw, FrameAgentResumed, nil)
	d.saveSnapshot(sessionID)
	return nil
}

// forwardQueuedMessages hands messages submitted mid-run to the stream
// as guidance updates.
func (d *Dispatcher) forwardQueuedMessages(sw *Writer, log *events.Manager, sessionID string) {
	for _, msg := range d.coord.DrainMessages(sessionID) {
		rec := log.EmitEvent(events.Emit{
			Stage:    "session",
			StepType: "guidance",
			Title:    "User guidance received",
			Status:   domain.EventSuccess,
			Meta:     map[string]any{"content": msg.Content, "message_id": msg.ID},
		})
		d.writeFrame(sw, FrameStepUpdate, rec)
	}
}

// finishWithError writes the single terminal frame for a failed run.
// Aborts end with agent_paused, everything else with session_error.
func (d *Dispatcher) finishWithError(sw *Writer, sessionID string, err error) {
	aborted := errors.Is(err, session.ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		d.registry.IsAborted(sessionID)
	if aborted {
		d.finishPaused(sw, sessionID)
		return
	}

	msg := model.FriendlyMessage(err)
	slog.Error("Pipeline failed", "session_id", sessionID, "error", err)
	d.registry.SetError(sessionID, msg)
	d.writeFrame(sw, FrameSessionError, map[string]any{"message": msg})
	d.saveSnapshot(sessionID)
}

func (d *Dispatcher) finishPaused(sw *Writer, sessionID string) {
	// A run can end here without an explicit stop (client disconnect
	// cancels the pipeline context). Abort settles the status either
	// way; an active session left behind would be exempt from eviction
	// forever.
	d.registry.Abort(sessionID)
	slog.Info("Session paused", "session_id", sessionID)
	d.writeFrame(sw, FrameAgentPaused, nil)
	d.saveSnapshot(sessionID)
}

func (d *Dispatcher) finishComplete(sw *Writer, sessionID string) {
	d.registry.Complete(sessionID)
	d.writeFrame(sw, FrameMessageComplete, nil)
	d.writeFrame(sw, FrameSessionComplete, nil)
	d.saveSnapshot(sessionID)
	slog.Info("Session complete", "session_id", sessionID)
}

func (d *Dispatcher) writeFrame(sw *Writer, kind FrameKind, data any) {
	if err := sw.WriteFrame(kind, data); err != nil {
		// The client may be gone; state transitions still happen, the
		// frame is just lost. Delivery to a disconnected client is not
		// guaranteed.
		slog.Warn("Frame write failed", "kind", kind, "error", err)
	}
}

func (d *Dispatcher) saveSnapshot(sessionID string) {
	if d.snapshots == nil {
		return
	}
	sess, ok := d.registry.Get(sessionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	err := d.snapshots.SaveSnapshot(ctx, &domain.WorkflowSnapshot{
		SessionID:         sess.ID,
		Query:             sess.Query,
		Status:            sess.Status,
		CheckpointHistory: sess.CheckpointHistory,
		LastError:         sess.LastError,
		CreatedAt:         sess.CreatedAt,
	})
	if err != nil {
		slog.Warn("Snapshot save failed", "session_id", sessionID, "error", err)
	}
}
