package llm

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig configures transient-error retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns sensible defaults for rate limit retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// withRetry wraps a TurnStreamer with sleep-based retry on transient status
// errors. Auth and context-size errors are never retried; they belong to the
// caller's taxonomy handling.
func withRetry(stream TurnStreamer, cfg RetryConfig) TurnStreamer {
	if cfg.MaxAttempts <= 1 {
		return stream
	}
	return func(ctx context.Context, model Model, system []SystemBlock, messages []Message, tools []ToolSpec, onFirstText func(), thinking bool) (*Turn, error) {
		var lastErr error
		for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
			turn, err := stream(ctx, model, system, messages, tools, onFirstText, thinking)
			if err == nil {
				return turn, nil
			}
			if !isRetryable(err) {
				return nil, err
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt >= cfg.MaxAttempts {
				break
			}
			wait := calculateBackoff(cfg, attempt)
			slog.Warn("transient backend error, retrying",
				"attempt", attempt, "max_attempts", cfg.MaxAttempts, "wait", wait, "err", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		return nil, lastErr
	}
}

// isRetryable reports whether the error is a transient failure worth
// retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthError(err) || IsContextTooLarge(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "bad gateway") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") {
		return true
	}

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") {
		return true
	}

	return false
}

// calculateBackoff computes the wait before the next attempt: exponential
// from BaseBackoff with jitter, capped at MaxBackoff.
func calculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := float64(cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if max := float64(cfg.MaxBackoff); backoff > max {
		backoff = max
	}
	jitter := 0.5 + rand.Float64() // 0.5x to 1.5x
	return time.Duration(backoff * jitter)
}
