// Package model wraps upstream AI calls with typed error
// classification, tiered fallback, and backoff retry.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind separates errors worth retrying from ones that are not.
type ErrorKind int

const (
	// KindTransient covers rate limits, timeouts, and flaky
	// connections; retried or fallen back silently.
	KindTransient ErrorKind = iota
	// KindFatal covers auth and config failures; surfaced
	// immediately, no retry.
	KindFatal
)

// UpstreamError is a classified model-call failure. Classification
// happens once, at the client that ingests the raw SDK error, so the
// retry layer checks a type instead of matching substrings.
type UpstreamError struct {
	Kind    ErrorKind
	ModelID string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("model %s: %v", e.ModelID, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// FallbackError carries both failures when primary and fallback tiers
// are exhausted.
type FallbackError struct {
	Role     string
	Primary  error
	Fallback error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("%s: primary failed (%v); fallback failed (%v)", e.Role, e.Primary, e.Fallback)
}

func (e *FallbackError) Unwrap() error { return e.Fallback }

// Classify wraps a raw SDK error with its kind. This is the only place
// raw error text is inspected; everything downstream goes by type.
func Classify(modelID string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}

	kind := KindFatal
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.Canceled):
		// Leave cancellation untouched so callers can tell a user
		// stop from an upstream failure.
		return err
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		kind = KindTransient
	case strings.Contains(msg, "529"), strings.Contains(msg, "overloaded"):
		kind = KindTransient
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"),
		strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		kind = KindTransient
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "eof"), strings.Contains(msg, "temporary failure"):
		kind = KindTransient
	}
	return &UpstreamError{Kind: kind, ModelID: modelID, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
// Cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind == KindTransient
	}
	return false
}

// FriendlyMessage maps an error to a short user-visible string.
// Unrecognized errors pass through verbatim.
func FriendlyMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "The session was stopped."
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return "The model took too long to respond. Please try again."
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"),
		strings.Contains(msg, "unauthorized"), strings.Contains(msg, "authentication"),
		strings.Contains(msg, "api key"):
		return "The model provider rejected our credentials. Check the server configuration."
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "overloaded"):
		return "The model is overloaded right now. Please try again shortly."
	default:
		return err.Error()
	}
}
