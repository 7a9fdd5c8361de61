package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petal-labs/petalexec/artifact"
	"github.com/petal-labs/petalexec/sandbox"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

// invocation is the state of one logical call. Attempts run sequentially,
// so its fields are only touched from the governor's goroutine.
type invocation struct {
	engine *Engine
	id     string
	entry  tool.Entry
	symbol string
	args   json.RawMessage
	start  time.Time
	logger *slog.Logger

	// artifact is resolved and verified once per call.
	artifact *artifact.Artifact
	tier     sandbox.Tier
	records  []AttemptRecord
	seq      atomic.Uint64
}

type outcome struct {
	result *sandbox.Result
	err    error
}

func (inv *invocation) attempt(ctx context.Context, tc tenant.Context) (json.RawMessage, error) {
	n := len(inv.records) + 1
	started := inv.engine.now()

	if inv.artifact == nil {
		if err := inv.prepare(ctx, n); err != nil {
			inv.record(n, sandbox.StateFailed, err, started)
			return nil, err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, inv.entry.Timeout)
	defer cancel()

	tracker := &stateTracker{inv: inv, attempt: n}
	call := sandbox.Call{
		Digest:  inv.artifact.Digest,
		Binary:  inv.artifact.Bytes,
		Entry:   inv.symbol,
		Action:  inv.symbol,
		Args:    inv.args,
		Tenant:  tc,
		OnState: tracker.set,
	}

	done := make(chan outcome, 1)
	go func() {
		res, err := inv.engine.runner.Run(attemptCtx, call)
		done <- outcome{result: res, err: err}
	}()

	select {
	case <-attemptCtx.Done():
		tracker.abandon()
		err := inv.abandoned(ctx)
		inv.record(n, sandbox.StateTimedOut, err, started)
		return nil, err

	case out := <-done:
		tracker.abandon()
		if out.err != nil {
			inv.record(n, failedState(out.err), out.err, started)
			return nil, out.err
		}
		inv.tier = out.result.Tier
		inv.record(n, sandbox.StateSucceeded, nil, started)
		return out.result.Value, nil
	}
}

// prepare resolves and verifies the artifact. A transient resolve failure
// is retried by the governor; verification failures are fatal.
func (inv *invocation) prepare(ctx context.Context, n int) error {
	art, err := inv.engine.resolver.Resolve(ctx, inv.entry.Component)
	if err != nil {
		return err
	}
	inv.emit(Event{Kind: EventAttemptState, Attempt: n, State: sandbox.StateResolved})

	if err := inv.engine.verifier.Verify(verify.Subject{
		Tool:         inv.entry.Name,
		PinnedDigest: inv.entry.Digest,
		Artifact:     art,
	}); err != nil {
		inv.logger.Warn("artifact rejected", "location", art.Location, "digest", art.Digest, "code", tool.Code(err))
		return err
	}
	inv.emit(Event{Kind: EventAttemptState, Attempt: n, State: sandbox.StateVerified})

	inv.artifact = &art
	inv.emit(Event{Kind: EventArtifactResolved, Attempt: n}.
		WithPayload("location", art.Location).
		WithPayload("digest", art.Digest).
		WithPayload("from_cache", art.FromCache))
	return nil
}

// abandoned classifies an attempt whose context ended before the sandbox
// answered. Any late result is dropped with the buffered channel.
func (inv *invocation) abandoned(parent context.Context) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return tool.Canceled(err)
	}
	return tool.WithDetails(
		tool.NewError(tool.ToolErrorCodeTimeout, "attempt exceeded its deadline", true, context.DeadlineExceeded),
		map[string]any{"timeout_ms": inv.entry.Timeout.Milliseconds()},
	)
}

func failedState(err error) sandbox.State {
	switch tool.Code(err) {
	case tool.ToolErrorCodeValueError:
		return sandbox.StateValueError
	case tool.ToolErrorCodeTrap, tool.ToolErrorCodeHostImportDenied:
		return sandbox.StateTrapped
	case tool.ToolErrorCodeTimeout:
		return sandbox.StateTimedOut
	default:
		return sandbox.StateFailed
	}
}

func (inv *invocation) record(n int, state sandbox.State, err error, started time.Time) {
	rec := AttemptRecord{
		Attempt:  n,
		State:    state,
		Code:     tool.Code(err),
		Duration: inv.engine.now().Sub(started),
	}
	if err != nil && rec.Code == "" {
		rec.Code = tool.ToolErrorCodeInvocationFailed
	}
	inv.records = append(inv.records, rec)
	inv.emit(Event{Kind: EventAttemptFinished, Attempt: n, State: state, Elapsed: rec.Duration}.
		WithPayload("code", rec.Code))
	inv.logger.Debug("attempt finished", "attempt", n, "state", state, "code", rec.Code, "duration_ms", rec.Duration.Milliseconds())
}

func (inv *invocation) emit(e Event) {
	if inv.engine.events == nil {
		return
	}
	e.InvocationID = inv.id
	e.Tool = inv.entry.Name
	e.Time = inv.engine.now()
	if e.Elapsed == 0 {
		e.Elapsed = e.Time.Sub(inv.start)
	}
	e.Seq = inv.seq.Add(1)
	inv.engine.events(e)
}

// stateTracker forwards sandbox transitions until the attempt is settled.
type stateTracker struct {
	inv     *invocation
	attempt int

	mu   sync.Mutex
	done bool
}

func (t *stateTracker) set(state sandbox.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.inv.emit(Event{Kind: EventAttemptState, Attempt: t.attempt, State: state})
}

func (t *stateTracker) abandon() {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
}
