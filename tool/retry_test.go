package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/petal-labs/petalexec/tenant"
)

func newTestGovernor(delays *[]time.Duration) *Governor {
	return &Governor{
		jitter: func(time.Duration) time.Duration { return 0 },
		wait: func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return ctx.Err()
		},
	}
}

func TestGovernorRetriesTrapUntilBudgetExhausted(t *testing.T) {
	var delays []time.Duration
	g := newTestGovernor(&delays)

	attempts := 0
	_, attemptCount, err := g.Run(context.Background(), RetryPolicy{
		MaxRetries:  3,
		BackoffBase: 10 * time.Millisecond,
	}, RetryMeta{ToolName: "echo"}, tenant.Default(), func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
		attempts++
		return nil, NewError(ToolErrorCodeTrap, "unreachable", true, nil)
	})
	if err == nil {
		t.Fatal("Run() error = nil, want exhausted error")
	}
	if attempts != 4 {
		t.Fatalf("attempts = %d, want 4", attempts)
	}
	if attemptCount != 4 {
		t.Fatalf("attemptCount = %d, want 4", attemptCount)
	}
	if !IsExhausted(err) {
		t.Fatalf("Code(err) = %q, want %q", Code(err), ToolErrorCodeRetriesExhausted)
	}
	if IsRetryable(err) {
		t.Fatal("IsRetryable(exhausted) = true, want false")
	}
	if Code(LastAttemptError(err)) != ToolErrorCodeTrap {
		t.Fatalf("last attempt code = %q, want %q", Code(LastAttemptError(err)), ToolErrorCodeTrap)
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestGovernorStopsOnFatalError(t *testing.T) {
	var delays []time.Duration
	g := newTestGovernor(&delays)

	attempts := 0
	_, attemptCount, err := g.Run(context.Background(), RetryPolicy{MaxRetries: 5}, RetryMeta{}, tenant.Default(),
		func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
			attempts++
			return nil, Fatal(ToolErrorCodeDigestMismatch, "mismatch")
		})
	if Code(err) != ToolErrorCodeDigestMismatch {
		t.Fatalf("Code(err) = %q, want %q", Code(err), ToolErrorCodeDigestMismatch)
	}
	if attempts != 1 || attemptCount != 1 {
		t.Fatalf("attempts = %d/%d, want 1", attempts, attemptCount)
	}
	if len(delays) != 0 {
		t.Fatalf("delays = %v, want none", delays)
	}
}

func TestGovernorIncrementsTenantAttempt(t *testing.T) {
	var delays []time.Duration
	g := newTestGovernor(&delays)

	var seen []int
	value, _, err := g.Run(context.Background(), RetryPolicy{MaxRetries: 2}, RetryMeta{}, tenant.Context{Attempt: 0},
		func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
			seen = append(seen, tc.Attempt)
			if len(seen) < 3 {
				return nil, NewError(ToolErrorCodeResolveTransient, "blip", true, nil)
			}
			return json.RawMessage(`{"ok":true}`), nil
		})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(value) != `{"ok":true}` {
		t.Fatalf("value = %s, want {\"ok\":true}", value)
	}
	want := []int{0, 1, 2}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen attempts = %v, want %v", seen, want)
		}
	}
}

func TestGovernorTimeoutPolicy(t *testing.T) {
	timeoutErr := func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
		return nil, NewError(ToolErrorCodeTimeout, "deadline", true, context.DeadlineExceeded)
	}

	var delays []time.Duration
	_, attempts, err := newTestGovernor(&delays).Run(context.Background(), RetryPolicy{
		MaxRetries: 2,
		Timeouts:   TimeoutRetry,
	}, RetryMeta{}, tenant.Default(), timeoutErr)
	if attempts != 3 {
		t.Fatalf("retry policy attempts = %d, want 3", attempts)
	}
	if !IsExhausted(err) {
		t.Fatalf("retry policy Code(err) = %q, want exhausted", Code(err))
	}

	_, attempts, err = newTestGovernor(&delays).Run(context.Background(), RetryPolicy{
		MaxRetries: 2,
		Timeouts:   TimeoutTerminal,
	}, RetryMeta{}, tenant.Default(), timeoutErr)
	if attempts != 1 {
		t.Fatalf("terminal policy attempts = %d, want 1", attempts)
	}
	if Code(err) != ToolErrorCodeTimeout {
		t.Fatalf("terminal policy Code(err) = %q, want %q", Code(err), ToolErrorCodeTimeout)
	}
	if IsRetryable(err) {
		t.Fatal("terminal timeout is still retryable")
	}
}

func TestGovernorBackoffAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGovernor()

	attempts := 0
	_, _, err := g.Run(ctx, RetryPolicy{MaxRetries: 3, BackoffBase: time.Hour}, RetryMeta{}, tenant.Default(),
		func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
			attempts++
			cancel()
			return nil, NewError(ToolErrorCodeTrap, "boom", true, nil)
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	toolErr, ok := AsToolError(err)
	if !ok || toolErr.Code != ToolErrorCodeInvocationFailed || toolErr.Retryable {
		t.Fatalf("Run() error = %#v, want fatal INVOCATION_FAILED", err)
	}
	if toolErr.Details["last_code"] != ToolErrorCodeTrap {
		t.Fatalf("Details = %v, want last_code TRAP", toolErr.Details)
	}
}

func TestGovernorWrapsBareCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGovernor()

	_, attempts, err := g.Run(ctx, RetryPolicy{MaxRetries: 3}, RetryMeta{}, tenant.Default(),
		func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
			cancel()
			return nil, ctx.Err()
		})
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if Code(err) != ToolErrorCodeInvocationFailed || IsRetryable(err) {
		t.Fatalf("Run() error = %v, want fatal INVOCATION_FAILED", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want cause context.Canceled", err)
	}
}

func TestGovernorCanceledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, attempts, err := NewGovernor().Run(ctx, RetryPolicy{}, RetryMeta{}, tenant.Default(),
		func(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
			called = true
			return nil, nil
		})
	if called || attempts != 0 {
		t.Fatalf("called = %v attempts = %d, want no attempt", called, attempts)
	}
	if _, ok := AsToolError(err); !ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %#v, want ToolError caused by context.Canceled", err)
	}
}

func TestRetryBackoffDurationDoubles(t *testing.T) {
	base := 100 * time.Millisecond
	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		got := retryBackoffDuration(base, attempt)
		if got <= prev {
			t.Fatalf("retryBackoffDuration(%d) = %v, want > %v", attempt, got, prev)
		}
		prev = got
	}
	if got := retryBackoffDuration(0, 3); got != 0 {
		t.Fatalf("retryBackoffDuration(0, 3) = %v, want 0", got)
	}
}

func TestRandomJitterBounded(t *testing.T) {
	base := 5 * time.Millisecond
	for i := 0; i < 200; i++ {
		if got := randomJitter(base); got < 0 || got >= base {
			t.Fatalf("randomJitter() = %v, want [0, %v)", got, base)
		}
	}
}
