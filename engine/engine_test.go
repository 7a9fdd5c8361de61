package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petal-labs/petalexec/artifact"
	"github.com/petal-labs/petalexec/hostimport"
	"github.com/petal-labs/petalexec/internal/wasmtest"
	"github.com/petal-labs/petalexec/sandbox"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

// countingRunner wraps a sandbox and counts instantiation requests.
type countingRunner struct {
	inner Runner
	runs  atomic.Int32
}

func (c *countingRunner) Run(ctx context.Context, call sandbox.Call) (*sandbox.Result, error) {
	c.runs.Add(1)
	return c.inner.Run(ctx, call)
}

func (c *countingRunner) Describe(ctx context.Context, call sandbox.Call) (json.RawMessage, sandbox.Negotiation, error) {
	return c.inner.Describe(ctx, call)
}

func writeComponent(t *testing.T, dir, name string, bin []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), bin, 0o644); err != nil {
		t.Fatalf("write component: %v", err)
	}
}

func newTestEngine(t *testing.T, cfg Config, entries ...tool.Entry) *Engine {
	t.Helper()
	reg, err := tool.NewRegistry(entries...)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	cfg.Registry = reg
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = e.Close(context.Background())
	})
	return e
}

func echoEntry() tool.Entry {
	return tool.Entry{
		Name:         "echo",
		Component:    "echo",
		Entry:        "tool_invoke",
		Timeout:      time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	}
}

func TestExecuteEchoFirstAttempt(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoString("tool_invoke"))
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}}, echoEntry())

	resp, err := e.Execute(context.Background(), Request{
		Tool:      "echo",
		Arguments: json.RawMessage(`{"hello":"world"}`),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(resp.Value) != `{"hello":"world"}` {
		t.Fatalf("Value = %s, want echo", resp.Value)
	}
	if resp.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", resp.Attempts)
	}
	if len(resp.Records) != 1 || resp.Records[0].State != sandbox.StateSucceeded {
		t.Fatalf("Records = %+v, want one succeeded attempt", resp.Records)
	}
	if resp.Tier != sandbox.TierString {
		t.Fatalf("Tier = %q, want string", resp.Tier)
	}
	if resp.Digest != artifact.Digest(wasmtest.EchoString("tool_invoke")) {
		t.Fatalf("Digest = %q", resp.Digest)
	}
	if resp.InvocationID == "" {
		t.Fatal("InvocationID is empty")
	}
}

func TestExecuteDigestMismatchNeverReachesSandbox(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoString("tool_invoke"))

	runner := &countingRunner{inner: sandbox.New(sandbox.Config{})}
	e := newTestEngine(t, Config{
		Sources: SourceConfig{LocalRoots: []string{dir}},
		Verify: verify.Policy{
			Mode:           verify.ModeDigest,
			ExpectedDigest: artifact.Digest([]byte("something else")),
		},
		Runner: runner,
	}, echoEntry())

	start := time.Now()
	_, err := e.Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`{}`)})
	if tool.Code(err) != tool.ToolErrorCodeDigestMismatch {
		t.Fatalf("Code(err) = %q, want DIGEST_MISMATCH (err=%v)", tool.Code(err), err)
	}
	if runner.runs.Load() != 0 {
		t.Fatalf("sandbox runs = %d, want 0", runner.runs.Load())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("digest mismatch should fail without retrying")
	}
}

func TestExecuteTrapExhaustsRetries(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "trap.wasm", wasmtest.Trap("tool_invoke"))
	entry := echoEntry()
	entry.Name = "trap"
	entry.Component = "trap"

	runner := &countingRunner{inner: sandbox.New(sandbox.Config{})}
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}, Runner: runner}, entry)

	_, err := e.Execute(context.Background(), Request{Tool: "trap", Arguments: json.RawMessage(`{}`)})
	if !tool.IsExhausted(err) {
		t.Fatalf("Code(err) = %q, want RETRIES_EXHAUSTED (err=%v)", tool.Code(err), err)
	}
	if tool.Code(tool.LastAttemptError(err)) != tool.ToolErrorCodeTrap {
		t.Fatalf("last attempt code = %q, want TRAP", tool.Code(tool.LastAttemptError(err)))
	}
	if tool.IsRetryable(err) {
		t.Fatal("exhausted error must be terminal")
	}
	if got := runner.runs.Load(); got != 3 {
		t.Fatalf("sandbox runs = %d, want 3", got)
	}
}

func TestExecuteTimeoutNeverDeliversLateSuccess(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "loop.wasm", wasmtest.Loop("tool_invoke"))
	entry := tool.Entry{
		Name:      "loop",
		Component: "loop",
		Entry:     "tool_invoke",
		Timeout:   100 * time.Millisecond,
	}
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}}, entry)

	start := time.Now()
	resp, err := e.Execute(context.Background(), Request{Tool: "loop", Arguments: json.RawMessage(`{}`)})
	elapsed := time.Since(start)
	if resp != nil {
		t.Fatalf("Execute() response = %+v, want nil", resp)
	}
	if tool.Code(tool.LastAttemptError(err)) != tool.ToolErrorCodeTimeout {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
	if elapsed < 100*time.Millisecond {
		t.Fatalf("timeout reported after %v, before the deadline", elapsed)
	}
}

// slowRunner answers successfully after delay, ignoring cancellation.
type slowRunner struct {
	delay time.Duration
	done  chan struct{}
}

func (s *slowRunner) Run(ctx context.Context, call sandbox.Call) (*sandbox.Result, error) {
	time.Sleep(s.delay)
	defer close(s.done)
	return &sandbox.Result{Value: json.RawMessage(`"late"`), Tier: sandbox.TierPointer}, nil
}

func (s *slowRunner) Describe(context.Context, sandbox.Call) (json.RawMessage, sandbox.Negotiation, error) {
	return nil, sandbox.Negotiation{}, nil
}

func TestExecuteTimeoutDropsAbandonedResult(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "slow.wasm", wasmtest.EchoPointer("tool_invoke"))
	runner := &slowRunner{delay: 150 * time.Millisecond, done: make(chan struct{})}
	entry := tool.Entry{Name: "slow", Component: "slow", Timeout: 30 * time.Millisecond}
	e := newTestEngine(t, Config{
		Sources:  SourceConfig{LocalRoots: []string{dir}},
		Runner:   runner,
		Timeouts: tool.TimeoutTerminal,
	}, entry)

	resp, err := e.Execute(context.Background(), Request{Tool: "slow"})
	if resp != nil || tool.Code(err) != tool.ToolErrorCodeTimeout {
		t.Fatalf("Execute() = %+v, %v; want TIMEOUT", resp, err)
	}
	if tool.IsRetryable(err) {
		t.Fatal("terminal timeout policy returned a retryable error")
	}

	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow runner never finished")
	}
}

func TestExecuteHTTPDisabledSurfacesGuestError(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "fetch.wasm", wasmtest.HostCaller(hostimport.ImportHTTPRequest))
	entry := tool.Entry{Name: "fetch", Component: "fetch", Timeout: 5 * time.Second, MaxRetries: 3}
	e := newTestEngine(t, Config{
		Sources:     SourceConfig{LocalRoots: []string{dir}},
		HTTPEnabled: false,
	}, entry)

	_, err := e.Execute(context.Background(), Request{
		Tool:      "fetch",
		Arguments: json.RawMessage(`{"method":"GET","url":"https://example.com"}`),
	})
	toolErr, ok := tool.AsToolError(err)
	if !ok || toolErr.Code != tool.ToolErrorCodeValueError {
		t.Fatalf("err = %v, want VALUE_ERROR", err)
	}
	var payload hostimport.GuestError
	if err := json.Unmarshal(toolErr.Payload, &payload); err != nil || payload.Code != hostimport.CodeHTTPDisabled {
		t.Fatalf("payload = %s, want http-disabled", toolErr.Payload)
	}
	if toolErr.Details["invocation_id"] == nil {
		t.Fatalf("Details = %v, want invocation_id", toolErr.Details)
	}
}

func TestExecutePrefersRichTier(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "both.wasm", wasmtest.RichAndString("tool_invoke"))
	entry := echoEntry()
	entry.Component = "both"
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}}, entry)

	resp, err := e.Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`[1,2]`)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Tier != sandbox.TierRich || string(resp.Value) != `[1,2]` {
		t.Fatalf("Execute() = %s via %q, want rich echo", resp.Value, resp.Tier)
	}
}

// flakyResolver fails transiently before delegating.
type flakyResolver struct {
	inner    Resolver
	failures int
	calls    int
}

func (f *flakyResolver) Resolve(ctx context.Context, location string) (artifact.Artifact, error) {
	f.calls++
	if f.calls <= f.failures {
		return artifact.Artifact{}, tool.NewError(tool.ToolErrorCodeResolveTransient, "connection reset", true, nil)
	}
	return f.inner.Resolve(ctx, location)
}

func TestExecuteRetriesTransientResolve(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoPointer("tool_invoke"))
	local, err := artifact.NewLocalSource(dir)
	if err != nil {
		t.Fatalf("NewLocalSource() error = %v", err)
	}
	resolver := &flakyResolver{inner: local, failures: 1}
	e := newTestEngine(t, Config{Resolver: resolver}, echoEntry())

	resp, err := e.Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.Attempts != 2 || resolver.calls != 2 {
		t.Fatalf("attempts = %d, resolver calls = %d; want 2 and 2", resp.Attempts, resolver.calls)
	}
	if resp.Records[0].Code != tool.ToolErrorCodeResolveTransient {
		t.Fatalf("first record = %+v, want RESOLVE_TRANSIENT", resp.Records[0])
	}
}

func TestExecuteRemoteArtifactFetchedOnce(t *testing.T) {
	bin := wasmtest.EchoPointer("tool_invoke")
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(bin)
	}))
	defer server.Close()

	entry := echoEntry()
	entry.Component = server.URL + "/echo.wasm"
	entry.Digest = artifact.Digest(bin)
	e := newTestEngine(t, Config{Verify: verify.Policy{Mode: verify.ModeDigest}}, entry)

	for i := 0; i < 2; i++ {
		resp, err := e.Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`{"n":1}`)})
		if err != nil {
			t.Fatalf("Execute() #%d error = %v", i, err)
		}
		if string(resp.Value) != `{"n":1}` {
			t.Fatalf("Value = %s", resp.Value)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("server hits = %d, want 1", hits.Load())
	}
	if stats := e.Cache().Stats(); stats.Hits != 1 {
		t.Fatalf("cache stats = %+v, want one hit", stats)
	}
}

func TestExecuteEventsAreOrdered(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoPointer("tool_invoke"))

	var (
		mu     sync.Mutex
		events []Event
	)
	handler := func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	e := newTestEngine(t, Config{
		Sources:      SourceConfig{LocalRoots: []string{dir}},
		EventHandler: handler,
	}, echoEntry())

	if _, err := e.Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var states []sandbox.State
	for i, ev := range events {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d Seq = %d, want %d", i, ev.Seq, i+1)
		}
		if ev.Kind == EventAttemptState {
			states = append(states, ev.State)
		}
	}
	want := []sandbox.State{sandbox.StateResolved, sandbox.StateVerified, sandbox.StateInstantiated, sandbox.StateInvoking}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
	if events[0].Kind != EventInvocationStarted || events[len(events)-1].Kind != EventInvocationFinished {
		t.Fatalf("first/last events = %s/%s", events[0].Kind, events[len(events)-1].Kind)
	}
}

func TestExecuteRequestValidation(t *testing.T) {
	e := newTestEngine(t, Config{}, echoEntry())
	ctx := context.Background()

	if _, err := e.Execute(ctx, Request{}); tool.Code(err) != tool.ToolErrorCodeInvalidRequest {
		t.Fatalf("empty tool code = %q", tool.Code(err))
	}
	if _, err := e.Execute(ctx, Request{Tool: "missing"}); tool.Code(err) != tool.ToolErrorCodeToolNotFound {
		t.Fatalf("missing tool code = %q", tool.Code(err))
	}
	if _, err := e.Execute(ctx, Request{Tool: "echo", Arguments: json.RawMessage(`{`)}); tool.Code(err) != tool.ToolErrorCodeInvalidRequest {
		t.Fatalf("bad args code = %q", tool.Code(err))
	}
}

func TestExecuteTenantDeadlineInPast(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoPointer("tool_invoke"))
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}}, echoEntry())

	tc := tenant.Context{Tenant: "acme", Deadline: time.Now().Add(-time.Second)}
	_, err := e.Execute(context.Background(), Request{Tool: "echo", Tenant: &tc})
	if tool.Code(err) != tool.ToolErrorCodeTimeout {
		t.Fatalf("Code(err) = %q, want TIMEOUT (err=%v)", tool.Code(err), err)
	}
}

// cancelingRunner cancels the caller's context and waits for the attempt
// to be abandoned.
type cancelingRunner struct {
	cancel context.CancelFunc
}

func (c *cancelingRunner) Run(ctx context.Context, call sandbox.Call) (*sandbox.Result, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *cancelingRunner) Describe(context.Context, sandbox.Call) (json.RawMessage, sandbox.Negotiation, error) {
	return nil, sandbox.Negotiation{}, nil
}

func TestExecuteCallerCancelIsStructured(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoPointer("tool_invoke"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t, Config{
		Sources: SourceConfig{LocalRoots: []string{dir}},
		Runner:  &cancelingRunner{cancel: cancel},
	}, echoEntry())

	resp, err := e.Execute(ctx, Request{Tool: "echo"})
	if resp != nil {
		t.Fatalf("Execute() response = %+v, want nil", resp)
	}
	toolErr, ok := tool.AsToolError(err)
	if !ok {
		t.Fatalf("Execute() error = %#v, want *tool.ToolError", err)
	}
	if toolErr.Code != tool.ToolErrorCodeInvocationFailed || toolErr.Retryable {
		t.Fatalf("Execute() error = %v, want fatal INVOCATION_FAILED", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want cause context.Canceled", err)
	}
}

func TestPackageExecute(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.Rich(""))
	reg, err := tool.NewRegistry(echoEntry())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	resp, err := Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`"hi"`)}, Config{
		Registry: reg,
		Sources:  SourceConfig{LocalRoots: []string{dir}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(resp.Value) != `"hi"` || resp.Tier != sandbox.TierRich {
		t.Fatalf("Execute() = %s via %q", resp.Value, resp.Tier)
	}
}

func TestDescribe(t *testing.T) {
	dir := t.TempDir()
	doc := `{"name":"echo","version":"1.0.0"}`
	writeComponent(t, dir, "rich.wasm", wasmtest.Rich(doc))
	writeComponent(t, dir, "plain.wasm", wasmtest.EchoPointer("tool_invoke"))
	rich := echoEntry()
	rich.Component = "rich"
	plain := echoEntry()
	plain.Name = "plain"
	plain.Component = "plain"
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}}, rich, plain)

	desc, err := e.Describe(context.Background(), "echo")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if string(desc.Document) != doc || desc.Tier != sandbox.TierRich {
		t.Fatalf("Describe() = %+v", desc)
	}

	_, err = e.Describe(context.Background(), "plain")
	if tool.Code(err) != tool.ToolErrorCodeABIUnsupported {
		t.Fatalf("plain Describe() code = %q, want ABI_UNSUPPORTED", tool.Code(err))
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	invokes []tool.ToolInvokeObservation
}

func (r *recordingObserver) ObserveInvoke(o tool.ToolInvokeObservation) {
	r.mu.Lock()
	r.invokes = append(r.invokes, o)
	r.mu.Unlock()
}
func (r *recordingObserver) ObserveRetry(tool.ToolRetryObservation)   {}
func (r *recordingObserver) ObserveArtifact(tool.ArtifactObservation) {}

func TestExecuteEmitsInvokeObservation(t *testing.T) {
	obs := &recordingObserver{}
	tool.SetObserver(obs)
	t.Cleanup(func() { tool.SetObserver(nil) })

	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoPointer("tool_invoke"))
	e := newTestEngine(t, Config{Sources: SourceConfig{LocalRoots: []string{dir}}}, echoEntry())
	if _, err := e.Execute(context.Background(), Request{Tool: "echo", Arguments: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.invokes) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs.invokes))
	}
	got := obs.invokes[0]
	if !got.Success || got.ToolName != "echo" || got.Tier != string(sandbox.TierPointer) || got.Attempts != 1 {
		t.Fatalf("observation = %+v", got)
	}
}

func TestExecuteUsesSuppliedInvocationID(t *testing.T) {
	dir := t.TempDir()
	writeComponent(t, dir, "echo.wasm", wasmtest.EchoString("tool_invoke"))

	var mu sync.Mutex
	var ids []string
	record := func(ev Event) {
		mu.Lock()
		ids = append(ids, ev.InvocationID)
		mu.Unlock()
	}
	e := newTestEngine(t, Config{
		Sources:      SourceConfig{LocalRoots: []string{dir}},
		EventHandler: record,
	}, echoEntry())

	resp, err := e.Execute(context.Background(), Request{Tool: "echo", InvocationID: "inv-123"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.InvocationID != "inv-123" {
		t.Fatalf("InvocationID = %q, want inv-123", resp.InvocationID)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ids) == 0 {
		t.Fatal("no events emitted")
	}
	for _, id := range ids {
		if id != "inv-123" {
			t.Fatalf("event invocation id = %q, want inv-123", id)
		}
	}
}
