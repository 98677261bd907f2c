package model

import (
	"context"
	"iter"
)

// Caller is the minimal upstream surface the pipeline needs: one
// synchronous completion and one lazy text stream, both parameterized
// by model ID so the invoker can steer them across tiers.
type Caller interface {
	// Complete runs a blocking completion and returns the full text.
	Complete(ctx context.Context, modelID, system, prompt string) (string, error)

	// Stream constructs a lazy text-chunk sequence. Construction
	// errors mean the call never started; errors inside the sequence
	// mean it died mid-flight.
	Stream(ctx context.Context, modelID, system, prompt string) (iter.Seq2[string, error], error)
}

// TieredCaller routes by model ID prefix: Claude models go to
// Anthropic, everything else to the OpenAI-compatible client. This is
// what lets WithStreamRetry short-circuit from a Claude primary to a
// lightweight GPT fallback with one create closure.
type TieredCaller struct {
	Anthropic Caller
	OpenAI    Caller
}

func (t *TieredCaller) pick(modelID string) Caller {
	if isClaudeModel(modelID) {
		return t.Anthropic
	}
	return t.OpenAI
}

func isClaudeModel(modelID string) bool {
	return len(modelID) >= 6 && modelID[:6] == "claude"
}

func (t *TieredCaller) Complete(ctx context.Context, modelID, system, prompt string) (string, error) {
	return t.pick(modelID).Complete(ctx, modelID, system, prompt)
}

func (t *TieredCaller) Stream(ctx context.Context, modelID, system, prompt string) (iter.Seq2[string, error], error) {
	return t.pick(modelID).Stream(ctx, modelID, system, prompt)
}
