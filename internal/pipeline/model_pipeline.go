package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-ai/researchd/internal/config"
	"github.com/halcyon-ai/researchd/internal/model"
)

const (
	plannerSystem = "You are a research planner. Produce a short, numbered research plan for the query. Plain text only."
	searchSystem  = "You are a research assistant. Summarize what a focused web search round on the given aspect would need to establish. Plain text, a few sentences."
	writerSystem  = "You are a research writer. Write a concise, well-structured report answering the query, using the plan and round notes provided."

	defaultSearchRounds = 3
)

// ModelPipeline is the model-backed pipeline implementation. The
// research logic itself is deliberately thin; what matters here is that
// every upstream call goes through the resilient invoker.
type ModelPipeline struct {
	caller model.Caller

	planner model.Role
	writer  model.Role

	maxRetries     int
	initialDelay   time.Duration
	streamFallback string
	searchRounds   int
}

// NewModelPipeline builds a pipeline from config.
func NewModelPipeline(caller model.Caller, cfg *config.Config) *ModelPipeline {
	return &ModelPipeline{
		caller: caller,
		planner: model.Role{
			Name:     "planner",
			Primary:  cfg.Models.PlannerPrimary,
			Fallback: cfg.Models.PlannerFallback,
		},
		writer: model.Role{
			Name:     "writer",
			Primary:  cfg.Models.WriterPrimary,
			Fallback: cfg.Models.WriterFallback,
		},
		maxRetries:     cfg.Retry.MaxRetries,
		initialDelay:   cfg.Retry.InitialDelay,
		streamFallback: cfg.Models.StreamFallback,
		searchRounds:   defaultSearchRounds,
	}
}

// Run produces the one-shot event sequence: plan, search rounds, a
// quality gate, streamed report content, then done.
func (p *ModelPipeline) Run(ctx context.Context, query string) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		plan, err := p.completeResilient(ctx, p.planner, "plan", plannerSystem, query)
		if err != nil {
			yield(Event{}, fmt.Errorf("planning: %w", err))
			return
		}
		if !yield(Event{
			Kind:     KindPlan,
			Stage:    "research",
			StepType: "plan",
			Title:    "Research plan ready",
			Content:  plan,
			Card:     &Card{ID: uuid.NewString(), Title: "Research plan", Body: plan},
		}, nil) {
			return
		}

		notes := make([]string, 0, p.searchRounds)
		for i := 1; i <= p.searchRounds; i++ {
			prompt := fmt.Sprintf("Query: %s\n\nPlan:\n%s\n\nRound %d of %d.", query, plan, i, p.searchRounds)
			note, err := p.completeResilient(ctx, p.planner, "search", searchSystem, prompt)
			if err != nil {
				yield(Event{}, fmt.Errorf("search round %d: %w", i, err))
				return
			}
			notes = append(notes, note)
			if !yield(Event{
				Kind:        KindSearchRound,
				Stage:       "research",
				StepType:    "search",
				Iteration:   i,
				TotalRounds: p.searchRounds,
				Title:       fmt.Sprintf("Search round %d", i),
				Content:     note,
			}, nil) {
				return
			}
		}

		if !yield(Event{
			Kind:     KindQualityGate,
			Stage:    "research",
			StepType: "quality_check",
			Title:    "Coverage check",
			Passed:   true,
			Meta:     map[string]any{"rounds": p.searchRounds},
		}, nil) {
			return
		}

		prompt := fmt.Sprintf("Query: %s\n\nPlan:\n%s\n\nRound notes:\n%s", query, plan, joinNotes(notes))
		result, err := model.WithStreamRetry(ctx, p.writer.Primary, model.StreamRetryConfig{
			MaxAttempts:   p.maxRetries + 1,
			InitialDelay:  p.initialDelay,
			FallbackModel: p.streamFallback,
		}, func(ctx context.Context, modelID string) (iter.Seq2[string, error], error) {
			return p.caller.Stream(ctx, modelID, writerSystem, prompt)
		})
		if err != nil {
			yield(Event{}, fmt.Errorf("writing: %w", err))
			return
		}
		if result.UsedFallback {
			slog.Warn("Report writer fell back to lightweight model",
				"model", result.ModelUsed, "attempts", result.Attempts)
		}

		wrapped := model.WrapStreamWithErrorHandling(result.Stream, func(err error) {
			slog.Error("Report stream died mid-flight", "model", result.ModelUsed, "error", err)
		})
		for chunk, err := range wrapped {
			if err != nil {
				yield(Event{}, fmt.Errorf("report stream: %w", err))
				return
			}
			if !yield(Event{
				Kind:     KindContentChunk,
				Stage:    "research",
				StepType: "write",
				Content:  chunk,
				Meta:     map[string]any{"model": result.ModelUsed},
			}, nil) {
				return
			}
		}

		yield(Event{Kind: KindDone, Stage: "research", StepType: "write", Title: "Report complete"}, nil)
	}
}

func (p *ModelPipeline) completeResilient(ctx context.Context, role model.Role, task, system, prompt string) (string, error) {
	return model.WithFallbackAndRetry(ctx, role, task, p.maxRetries, p.initialDelay,
		func(ctx context.Context, modelID string) (string, error) {
			return p.caller.Complete(ctx, modelID, system, prompt)
		})
}

func joinNotes(notes []string) string {
	out := ""
	for i, n := range notes {
		out += fmt.Sprintf("%d. %s\n", i+1, n)
	}
	return out
}
