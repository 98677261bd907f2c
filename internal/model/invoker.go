package model

import (
	"context"
	"iter"
	"log/slog"
	"time"
)

// Role names a task family and its model tiers.
type Role struct {
	Name     string
	Primary  string
	Fallback string
}

// Operation is one upstream call parameterized by model ID, so the same
// closure can run against either tier.
type Operation[T any] func(ctx context.Context, modelID string) (T, error)

// WithFallback invokes op with the role's primary model; on any failure
// it tries once more with the fallback. Fallback is deliberately not
// gated on the transient classification: a primary that is down for a
// "fatal" reason (bad model ID, revoked key for that tier) can still
// succeed on the other tier. Both failing yields a composite error
// carrying both messages.
func WithFallback[T any](ctx context.Context, role Role, task string, op Operation[T]) (T, error) {
	out, primaryErr := op(ctx, role.Primary)
	if primaryErr == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, primaryErr
	}
	slog.Warn("Primary model failed, trying fallback",
		"role", role.Name, "task", task,
		"primary", role.Primary, "fallback", role.Fallback,
		"error", primaryErr,
	)

	out, fallbackErr := op(ctx, role.Fallback)
	if fallbackErr == nil {
		return out, nil
	}
	var zero T
	return zero, &FallbackError{Role: role.Name, Primary: primaryErr, Fallback: fallbackErr}
}

// WithRetry runs op up to maxRetries+1 times with exponential backoff
// (x1.5 between attempts), re-throwing the last error once attempts are
// exhausted. Cancellation cuts the backoff sleep short.
func WithRetry[T any](ctx context.Context, maxRetries int, initialDelay time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	var err error

	delay := initialDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return out, err
			}
			delay = delay * 3 / 2
		}
		out, err = op(ctx)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return out, err
		}
		slog.Warn("Upstream call failed", "attempt", attempt+1, "max_attempts", maxRetries+1, "error", err)
	}
	return out, err
}

// WithFallbackAndRetry composes retry around the fallback pair: each
// retry attempt gets a full primary-then-fallback pass.
func WithFallbackAndRetry[T any](ctx context.Context, role Role, task string, maxRetries int, initialDelay time.Duration, op Operation[T]) (T, error) {
	return WithRetry(ctx, maxRetries, initialDelay, func(ctx context.Context) (T, error) {
		return WithFallback(ctx, role, task, op)
	})
}

// StreamRetryConfig controls stream-construction retry.
type StreamRetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	FallbackModel string
}

// StreamResult reports which tier produced the stream and how many
// construction attempts it took.
type StreamResult[T any] struct {
	Stream       iter.Seq2[T, error]
	UsedFallback bool
	Attempts     int
	ModelUsed    string
}

// WithStreamRetry retries lazy-stream construction against the primary
// model. A streaming call's success can only be judged by whether
// construction throws, not by consuming the sequence, so only
// construction is retried here; mid-stream failures are the consumer's
// to observe (see WrapStreamWithErrorHandling). A non-retryable
// construction error short-circuits straight to a single attempt
// against the lightweight fallback model.
func WithStreamRetry[T any](ctx context.Context, primary string, cfg StreamRetryConfig, create func(ctx context.Context, modelID string) (iter.Seq2[T, error], error)) (*StreamResult[T], error) {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	attempts := 0
	var primaryErr error
	for attempts < maxAttempts {
		attempts++
		stream, err := create(ctx, primary)
		if err == nil {
			return &StreamResult[T]{Stream: stream, Attempts: attempts, ModelUsed: primary}, nil
		}
		primaryErr = err
		if ctx.Err() != nil {
			return nil, primaryErr
		}
		if !IsRetryable(err) {
			slog.Warn("Stream construction hit non-retryable error, short-circuiting to fallback",
				"model", primary, "error", err)
			break
		}
		slog.Warn("Stream construction failed, retrying",
			"model", primary, "attempt", attempts, "max_attempts", maxAttempts, "error", err)
		if attempts < maxAttempts {
			if sleepErr := sleepCtx(ctx, delay); sleepErr != nil {
				return nil, primaryErr
			}
			delay = delay * 3 / 2
		}
	}

	attempts++
	stream, fallbackErr := create(ctx, cfg.FallbackModel)
	if fallbackErr != nil {
		return nil, &FallbackError{Role: "stream", Primary: primaryErr, Fallback: fallbackErr}
	}
	return &StreamResult[T]{
		Stream:       stream,
		UsedFallback: true,
		Attempts:     attempts,
		ModelUsed:    cfg.FallbackModel,
	}, nil
}

// WrapStreamWithErrorHandling passes a lazy sequence through, invoking
// onError before re-raising a mid-stream failure. Callers can thereby
// tell "partial output then crash" from a clean stream.
func WrapStreamWithErrorHandling[T any](seq iter.Seq2[T, error], onError func(error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v, err := range seq {
			if err != nil {
				if onError != nil {
					onError(err)
				}
				yield(v, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// sleepCtx sleeps for d unless ctx fires first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
