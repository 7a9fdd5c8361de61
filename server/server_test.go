package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalexec/bus"
	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/internal/wasmtest"
	"github.com/petal-labs/petalexec/tool"
)

type testServer struct {
	http   *httptest.Server
	server *Server
	store  *bus.MemEventStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := t.TempDir()
	for name, bin := range map[string][]byte{
		"echo.wasm": wasmtest.EchoString("tool_invoke"),
		"rich.wasm": wasmtest.Rich(`{"name":"rich","version":"1.0.0"}`),
		"trap.wasm": wasmtest.Trap("tool_invoke"),
	} {
		if err := os.WriteFile(filepath.Join(root, name), bin, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	reg, err := tool.NewRegistry(
		tool.Entry{Name: "echo", Component: "echo", Timeout: time.Second},
		tool.Entry{Name: "rich", Component: "rich", Timeout: time.Second},
		tool.Entry{Name: "trap", Component: "trap", Timeout: time.Second},
	)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	store := bus.NewMemEventStore(0)
	eb := bus.NewMemBus(bus.MemBusConfig{})
	e, err := engine.New(engine.Config{
		Registry:     reg,
		Sources:      engine.SourceConfig{LocalRoots: []string{root}},
		EventHandler: bus.Recorder(store, eb, nil),
	})
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}

	srv := NewServer(ServerConfig{Engine: e, Bus: eb, EventStore: store})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		_ = e.Close(ctx)
		_ = eb.Close()
	})
	return &testServer{http: ts, server: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, body)
	if got["status"] != "ok" || got["tools"] != float64(3) {
		t.Fatalf("health = %v", got)
	}
}

func TestListAndGetTools(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/tools", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	tools := decode[[]ToolResponse](t, body)
	if len(tools) != 3 || tools[0].Name != "echo" || tools[2].Name != "trap" {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].Entry != "tool_invoke" || tools[0].TimeoutMS != 1000 {
		t.Fatalf("echo = %+v, want defaults applied", tools[0])
	}

	resp, body = ts.do(t, http.MethodGet, "/api/tools/echo", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got := decode[ToolResponse](t, body); got.Component != "echo" {
		t.Fatalf("tool = %+v", got)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/tools/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), tool.ToolErrorCodeToolNotFound) {
		t.Fatalf("missing body = %s", body)
	}
}

func TestRegisterTool(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/tools", `{"tools":[{"name":"upper","component":"echo","timeout_ms":2500}]}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d body = %s", resp.StatusCode, body)
	}
	created := decode[[]ToolResponse](t, body)
	if len(created) != 1 || created[0].Name != "upper" || created[0].TimeoutMS != 2500 {
		t.Fatalf("created = %+v", created)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/tools/upper/invoke", `{"arguments":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("invoke registered tool status = %d body = %s", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/tools", `[{"name":"upper","component":"echo"}]`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodPost, "/api/tools", `{"tools":[{"name":"x"}]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status = %d", resp.StatusCode)
	}
	invalid := decode[diagnosticsResponse](t, body)
	if invalid.Error.Code != "VALIDATION_ERROR" || len(invalid.Diagnostics) == 0 {
		t.Fatalf("invalid body = %s", body)
	}
	if invalid.Diagnostics[0].Name != "x" {
		t.Fatalf("diagnostic = %+v", invalid.Diagnostics[0])
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/tools", `{"tools":[]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty status = %d", resp.StatusCode)
	}
}

func TestDescribeTool(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/tools/rich/describe", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	desc := decode[engine.Description](t, body)
	if desc.Tool != "rich" || !strings.Contains(string(desc.Document), `"version":"1.0.0"`) {
		t.Fatalf("description = %+v", desc)
	}
}

func TestInvokeToolSync(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/tools/echo/invoke", `{"arguments":{"hello":"world"},"invocation_id":"inv-sync"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	got := decode[InvokeResponse](t, body)
	if got.InvocationID != "inv-sync" {
		t.Fatalf("InvocationID = %q", got.InvocationID)
	}
	if string(got.Value) != `{"hello":"world"}` {
		t.Fatalf("Value = %s", got.Value)
	}
	if got.Attempts != 1 || len(got.Records) != 1 || got.Records[0].State != "succeeded" {
		t.Fatalf("attempts = %d records = %+v", got.Attempts, got.Records)
	}

	events, err := ts.store.List(context.Background(), "inv-sync", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Kind != engine.EventInvocationFinished {
		t.Fatalf("recorded events = %+v", events)
	}
}

func TestInvokeToolErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown tool", "/api/tools/missing/invoke", `{}`, http.StatusNotFound, tool.ToolErrorCodeToolNotFound},
		{"guest trap", "/api/tools/trap/invoke", `{"arguments":1}`, http.StatusBadGateway, tool.ToolErrorCodeTrap},
		{"bad body", "/api/tools/echo/invoke", `{"arguments":`, http.StatusBadRequest, "PARSE_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, tt.path, tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tt.status, body)
			}
			if !strings.Contains(string(body), tt.code) {
				t.Fatalf("body = %s, want code %s", body, tt.code)
			}
		})
	}
}

func TestInvokeToolAsyncHistoryAndEvents(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/tools/echo/invoke?async=true", `{"arguments":"later","invocation_id":"inv-async"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/invocations/inv-async" {
		t.Fatalf("Location = %q", loc)
	}

	var detail InvocationDetail
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, body = ts.do(t, http.MethodGet, "/api/invocations/inv-async", "")
		if resp.StatusCode == http.StatusOK {
			detail = decode[InvocationDetail](t, body)
			if detail.Invocation.Status != StatusRunning {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("invocation did not finish: status %d body %s", resp.StatusCode, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if detail.Invocation.Status != StatusSucceeded || detail.Invocation.Tool != "echo" {
		t.Fatalf("summary = %+v", detail.Invocation)
	}
	if detail.Invocation.Attempts != 1 || detail.Invocation.FinishedAt == nil {
		t.Fatalf("summary = %+v", detail.Invocation)
	}
	if detail.Invocation.Component != "echo" {
		t.Fatalf("component = %q", detail.Invocation.Component)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/invocations/inv-async/events", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	stream := string(body)
	if !strings.Contains(stream, "event: invocation.started") || !strings.Contains(stream, "event: invocation.finished") {
		t.Fatalf("stream = %q", stream)
	}
	if got := strings.Count(stream, "event: "); got != len(detail.Events) {
		t.Fatalf("stream has %d events, history has %d", got, len(detail.Events))
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/tools/missing/invoke?async=true", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("async unknown tool status = %d", resp.StatusCode)
	}
}

func TestListInvocations(t *testing.T) {
	ts := newTestServer(t)

	for _, call := range []struct{ tool, id string }{
		{"echo", "inv-1"},
		{"trap", "inv-2"},
		{"echo", "inv-3"},
	} {
		ts.do(t, http.MethodPost, "/api/tools/"+call.tool+"/invoke", `{"arguments":1,"invocation_id":"`+call.id+`"}`)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/invocations", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	all := decode[[]InvocationSummary](t, body)
	if len(all) != 3 {
		t.Fatalf("invocations = %+v", all)
	}

	_, body = ts.do(t, http.MethodGet, "/api/invocations?status=failed", "")
	failed := decode[[]InvocationSummary](t, body)
	if len(failed) != 1 || failed[0].InvocationID != "inv-2" || failed[0].Code != tool.ToolErrorCodeRetriesExhausted {
		t.Fatalf("failed = %+v", failed)
	}

	_, body = ts.do(t, http.MethodGet, "/api/invocations?tool=echo", "")
	if echo := decode[[]InvocationSummary](t, body); len(echo) != 2 {
		t.Fatalf("echo invocations = %+v", echo)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/invocations/nope", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown invocation status = %d", resp.StatusCode)
	}
}

func TestInvocationsWithoutStore(t *testing.T) {
	srv := NewServer(ServerConfig{Engine: stubInvoker{}})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/api/invocations", "/api/invocations/x", "/api/invocations/x/events"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotImplemented {
			t.Fatalf("GET %s status = %d, want 501", path, resp.StatusCode)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(ServerConfig{Engine: stubInvoker{}, CORSOrigin: "http://localhost:3000"})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/tools", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin = %q", got)
	}
}

func TestMaxBody(t *testing.T) {
	srv := NewServer(ServerConfig{Engine: stubInvoker{}, MaxBody: 16})
	rec := httptest.NewRecorder()
	body := `{"tools":[{"name":"long-name","component":"long-component"}]}`
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tools", strings.NewReader(body)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestStatusForCode(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{tool.ToolErrorCodeToolNotFound, http.StatusNotFound},
		{tool.ToolErrorCodeInvalidRequest, http.StatusBadRequest},
		{tool.ToolErrorCodeDigestMismatch, http.StatusForbidden},
		{tool.ToolErrorCodeTimeout, http.StatusGatewayTimeout},
		{tool.ToolErrorCodeABIUnsupported, http.StatusNotImplemented},
		{tool.ToolErrorCodeResolveTransient, http.StatusServiceUnavailable},
		{tool.ToolErrorCodeTrap, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusForCode(tt.code); got != tt.want {
			t.Errorf("statusForCode(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestShutdownWaitsForBackground(t *testing.T) {
	srv := NewServer(ServerConfig{Engine: stubInvoker{}})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if srv.baseCtx.Err() == nil {
		t.Fatal("background context not canceled")
	}
}

type stubInvoker struct{}

func (stubInvoker) Execute(context.Context, engine.Request) (*engine.Response, error) {
	return nil, tool.Fatal(tool.ToolErrorCodeInvocationFailed, "stub")
}

func (stubInvoker) Describe(context.Context, string) (*engine.Description, error) {
	return nil, tool.Fatal(tool.ToolErrorCodeABIUnsupported, "stub")
}

func (stubInvoker) Registry() *tool.Registry {
	reg, _ := tool.NewRegistry()
	return reg
}
