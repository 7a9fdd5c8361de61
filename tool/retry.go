package tool

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/petal-labs/petalexec/tenant"
)

// maxBackoffShift caps the exponent so base<<shift cannot overflow.
const maxBackoffShift = 16

// TimeoutPolicy decides how TIMEOUT outcomes are treated by the governor.
type TimeoutPolicy string

const (
	// TimeoutRetry treats TIMEOUT as transient under the normal attempt budget.
	TimeoutRetry TimeoutPolicy = "retry"
	// TimeoutTerminal ends the call on the first TIMEOUT.
	TimeoutTerminal TimeoutPolicy = "terminal"
)

// ParseTimeoutPolicy maps a config string to a TimeoutPolicy. Empty selects TimeoutRetry.
func ParseTimeoutPolicy(value string) (TimeoutPolicy, error) {
	switch TimeoutPolicy(value) {
	case "", TimeoutRetry:
		return TimeoutRetry, nil
	case TimeoutTerminal:
		return TimeoutTerminal, nil
	default:
		return "", errors.New("tool: timeout policy must be retry or terminal")
	}
}

// RetryPolicy bounds one logical call.
type RetryPolicy struct {
	// MaxRetries is the number of attempts after the first.
	MaxRetries  int
	BackoffBase time.Duration
	Timeouts    TimeoutPolicy
}

// AttemptFunc performs one attempt. tc carries the attempt counter for this attempt.
type AttemptFunc func(ctx context.Context, tc tenant.Context) (json.RawMessage, error)

// RetryMeta labels retry observations.
type RetryMeta struct {
	ToolName string
	Action   string
}

// Governor runs attempts under a RetryPolicy.
//
// Contract:
//   - Attempts are strictly sequential; attempt N+1 starts after attempt N is classified.
//   - Non-retryable errors are returned unchanged after the attempt that produced them.
//   - A retryable error on the last attempt is wrapped in RETRIES_EXHAUSTED.
//   - The tenant attempt counter advances by one before every retry.
type Governor struct {
	jitter func(limit time.Duration) time.Duration
	wait   func(ctx context.Context, d time.Duration) error
}

// NewGovernor returns a governor using random jitter and real timers.
func NewGovernor() *Governor {
	return &Governor{
		jitter: randomJitter,
		wait:   sleepContext,
	}
}

// Run executes fn until it succeeds, fails fatally, or the budget is spent.
// It returns the value, the number of attempts made, and the final error.
func (g *Governor) Run(ctx context.Context, policy RetryPolicy, meta RetryMeta, tc tenant.Context, fn AttemptFunc) (json.RawMessage, int, error) {
	if g == nil {
		g = NewGovernor()
	}
	normalized := normalizeRetryPolicy(policy)
	maxAttempts := normalized.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, contextError(err, lastErr)
		}

		value, err := fn(ctx, tc)
		if err == nil {
			return value, attempt, nil
		}
		lastErr = err

		if !g.retryable(normalized, err) {
			if _, ok := AsToolError(err); !ok && ctx.Err() != nil {
				return nil, attempt, contextError(ctx.Err(), nil)
			}
			return nil, attempt, terminalError(normalized, err)
		}
		if attempt == maxAttempts {
			break
		}

		emitRetryObservation(ToolRetryObservation{
			ToolName:  meta.ToolName,
			Action:    meta.Action,
			Attempt:   attempt,
			ErrorCode: Code(err),
		})

		delay := retryBackoffDuration(normalized.BackoffBase, attempt) + g.jitter(normalized.BackoffBase)
		if err := g.wait(ctx, delay); err != nil {
			return nil, attempt, contextError(err, lastErr)
		}
		tc = tc.NextAttempt()
	}

	exhausted := NewError(ToolErrorCodeRetriesExhausted, "attempt budget exhausted: "+lastErr.Error(), false, lastErr)
	return nil, maxAttempts, WithDetails(exhausted, map[string]any{
		"attempts":  maxAttempts,
		"last_code": Code(lastErr),
	})
}

func (g *Governor) retryable(policy RetryPolicy, err error) bool {
	if policy.Timeouts == TimeoutTerminal && Code(err) == ToolErrorCodeTimeout {
		return false
	}
	return IsRetryable(err)
}

func terminalError(policy RetryPolicy, err error) error {
	toolErr, ok := AsToolError(err)
	if !ok || !toolErr.Retryable {
		return err
	}
	// Only a terminal TIMEOUT reaches here while still marked retryable.
	clone := *toolErr
	clone.Retryable = false
	return WithDetails(&clone, map[string]any{"timeout_policy": string(policy.Timeouts)})
}

func contextError(err, lastErr error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		cause := err
		if lastErr != nil {
			cause = lastErr
		}
		return NewError(ToolErrorCodeTimeout, "call deadline exceeded", false, cause)
	}
	// Cause stays the context error so errors.Is(err, context.Canceled) holds.
	canceled := Canceled(err)
	if lastErr != nil {
		canceled = WithDetails(canceled, map[string]any{"last_code": Code(lastErr)})
	}
	return canceled
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	out := policy
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.BackoffBase < 0 {
		out.BackoffBase = 0
	}
	if out.Timeouts == "" {
		out.Timeouts = TimeoutRetry
	}
	return out
}

// retryBackoffDuration returns base * 2^(attempt-1) for the retry that
// follows attempt.
func retryBackoffDuration(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return base << shift
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
