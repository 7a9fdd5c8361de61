package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/petal-labs/petalexec/hostimport"
	"github.com/petal-labs/petalexec/internal/wasmtest"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
)

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	r := New(cfg)
	t.Cleanup(func() {
		_ = r.Close(context.Background())
	})
	return r
}

func testCall(name string, bin []byte, args string) Call {
	return Call{
		Digest: "sha256:" + name,
		Binary: bin,
		Entry:  "tool_invoke",
		Args:   json.RawMessage(args),
		Tenant: tenant.Context{Env: "test", Tenant: "acme"},
	}
}

func TestRunEchoTiers(t *testing.T) {
	tests := []struct {
		name string
		bin  []byte
		tier Tier
	}{
		{name: "pointer", bin: wasmtest.EchoPointer("tool_invoke"), tier: TierPointer},
		{name: "pointer-grow", bin: wasmtest.EchoPointer("tool_invoke", wasmtest.WithoutAllocator()), tier: TierPointer},
		{name: "string", bin: wasmtest.EchoString("tool_invoke"), tier: TierString},
		{name: "string-other-symbol", bin: wasmtest.EchoString("run"), tier: TierString},
		{name: "rich", bin: wasmtest.Rich(""), tier: TierRich},
	}
	r := newTestRuntime(t, Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var states []State
			call := testCall(tt.name, tt.bin, `{"hello":"world"}`)
			call.OnState = func(s State) { states = append(states, s) }

			res, err := r.Run(context.Background(), call)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if string(res.Value) != `{"hello":"world"}` {
				t.Fatalf("Value = %s, want echo", res.Value)
			}
			if res.Tier != tt.tier {
				t.Fatalf("Tier = %q, want %q", res.Tier, tt.tier)
			}
			if len(states) != 2 || states[0] != StateInstantiated || states[1] != StateInvoking {
				t.Fatalf("states = %v, want [instantiated invoking]", states)
			}
		})
	}
}

func TestNegotiatePrefersRichOverString(t *testing.T) {
	r := newTestRuntime(t, Config{})
	neg, err := r.Negotiate(context.Background(), testCall("both", wasmtest.RichAndString("tool_invoke"), ""))
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if neg.Tier != TierRich || neg.Symbol != ExportInvoke {
		t.Fatalf("Negotiate() = %+v, want rich invoke", neg)
	}
	if neg.Allocator != "cabi_realloc" {
		t.Fatalf("Allocator = %q, want cabi_realloc", neg.Allocator)
	}
}

func TestNegotiatePrefersConfiguredEntry(t *testing.T) {
	r := newTestRuntime(t, Config{})
	call := testCall("pointer-with-adder", wasmtest.EchoPointer("tool_invoke", wasmtest.WithAdder("add")), `{"n":1}`)

	neg, err := r.Negotiate(context.Background(), call)
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if neg.Tier != TierPointer || neg.Symbol != "tool_invoke" {
		t.Fatalf("Negotiate() = %+v, want pointer tool_invoke", neg)
	}

	res, err := r.Run(context.Background(), call)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(res.Value) != `{"n":1}` {
		t.Fatalf("Value = %s, want echo", res.Value)
	}
}

func TestNegotiateFallsBackToSingleExport(t *testing.T) {
	r := newTestRuntime(t, Config{})
	call := testCall("adder-only", wasmtest.EchoPointer("run", wasmtest.WithAdder("add")), "")
	call.Entry = "missing"

	neg, err := r.Negotiate(context.Background(), call)
	if err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	if neg.Tier != TierString || neg.Symbol != "add" {
		t.Fatalf("Negotiate() = %+v, want string add", neg)
	}
}

func TestNegotiateUnsupported(t *testing.T) {
	r := newTestRuntime(t, Config{})
	tests := map[string][]byte{
		"mismatched": wasmtest.Mismatched("tool_invoke"),
		"no-memory":  wasmtest.EchoPointer("tool_invoke", wasmtest.WithoutMemoryExport()),
		"garbage":    []byte("not wasm"),
	}
	for name, bin := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := r.Run(context.Background(), testCall(name, bin, `{}`))
			if tool.Code(err) != tool.ToolErrorCodeABIUnsupported {
				t.Fatalf("Code(err) = %q, want %q (err=%v)", tool.Code(err), tool.ToolErrorCodeABIUnsupported, err)
			}
			if tool.IsRetryable(err) {
				t.Fatal("ABI_UNSUPPORTED must be fatal")
			}
		})
	}
}

func TestRunTrapIsRetryable(t *testing.T) {
	r := newTestRuntime(t, Config{})
	_, err := r.Run(context.Background(), testCall("trap", wasmtest.Trap("tool_invoke"), `{}`))
	if tool.Code(err) != tool.ToolErrorCodeTrap {
		t.Fatalf("Code(err) = %q, want TRAP (err=%v)", tool.Code(err), err)
	}
	if !tool.IsRetryable(err) {
		t.Fatal("TRAP should be retryable")
	}
}

func TestRunValueErrorCarriesPayload(t *testing.T) {
	r := newTestRuntime(t, Config{})
	_, err := r.Run(context.Background(), testCall("err", wasmtest.RichError(`{"reason":"bad input"}`), `{}`))
	toolErr, ok := tool.AsToolError(err)
	if !ok || toolErr.Code != tool.ToolErrorCodeValueError {
		t.Fatalf("err = %v, want VALUE_ERROR", err)
	}
	if string(toolErr.Payload) != `{"reason":"bad input"}` {
		t.Fatalf("Payload = %s", toolErr.Payload)
	}
	if toolErr.Retryable {
		t.Fatal("VALUE_ERROR must be fatal")
	}
}

func TestRunDeadlineStopsInfiniteLoop(t *testing.T) {
	r := newTestRuntime(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, testCall("loop", wasmtest.Loop("tool_invoke"), `{}`))
	if tool.Code(err) != tool.ToolErrorCodeTimeout {
		t.Fatalf("Code(err) = %q, want TIMEOUT (err=%v)", tool.Code(err), err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned after %v, before the deadline", elapsed)
	}
}

func TestRunFuelExhaustion(t *testing.T) {
	r := newTestRuntime(t, Config{Policy: Policy{Fuel: 1000}})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := r.Run(ctx, testCall("call-loop", wasmtest.CallLoop("tool_invoke"), `{}`))
	toolErr, ok := tool.AsToolError(err)
	if !ok || toolErr.Code != tool.ToolErrorCodeTrap {
		t.Fatalf("err = %v, want TRAP", err)
	}
	if toolErr.Details["reason"] != "fuel" {
		t.Fatalf("Details = %v, want reason fuel", toolErr.Details)
	}
}

func TestRunMemoryLimit(t *testing.T) {
	r := newTestRuntime(t, Config{Policy: Policy{MaxMemoryPages: 2}})
	bin := wasmtest.EchoPointer("tool_invoke", wasmtest.WithoutAllocator())
	_, err := r.Run(context.Background(), testCall("grow", bin, `{"a":1}`))
	toolErr, ok := tool.AsToolError(err)
	if !ok || toolErr.Code != tool.ToolErrorCodeTrap {
		t.Fatalf("err = %v, want TRAP", err)
	}
	if toolErr.Details["reason"] != "memory" {
		t.Fatalf("Details = %v, want reason memory", toolErr.Details)
	}
}

func TestHTTPDisabledSurfacesAsGuestError(t *testing.T) {
	bridge := hostimport.NewBridge(hostimport.Config{HTTPEnabled: false})
	r := newTestRuntime(t, Config{Bridge: bridge})

	_, err := r.Run(context.Background(), testCall("http", wasmtest.HostCaller(hostimport.ImportHTTPRequest),
		`{"method":"GET","url":"https://example.com"}`))
	toolErr, ok := tool.AsToolError(err)
	if !ok || toolErr.Code != tool.ToolErrorCodeValueError {
		t.Fatalf("err = %v, want VALUE_ERROR", err)
	}
	var guestErr hostimport.GuestError
	if err := json.Unmarshal(toolErr.Payload, &guestErr); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if guestErr.Code != hostimport.CodeHTTPDisabled {
		t.Fatalf("guest error code = %q, want %q", guestErr.Code, hostimport.CodeHTTPDisabled)
	}
	if toolErr.Details["denied"] == nil {
		t.Fatalf("Details = %v, want denied list", toolErr.Details)
	}
}

func TestTrapAfterDenialIsHostImportDenied(t *testing.T) {
	r := newTestRuntime(t, Config{})
	bin := wasmtest.HostCallerTrap("tool_invoke", hostimport.ImportHTTPRequest)
	_, err := r.Run(context.Background(), testCall("deny-trap", bin, `{"url":"https://example.com"}`))
	if tool.Code(err) != tool.ToolErrorCodeHostImportDenied {
		t.Fatalf("Code(err) = %q, want HOST_IMPORT_DENIED (err=%v)", tool.Code(err), err)
	}
	if tool.IsRetryable(err) {
		t.Fatal("HOST_IMPORT_DENIED must be fatal")
	}
}

func TestTrapAfterLaterHostCallIsTrap(t *testing.T) {
	r := newTestRuntime(t, Config{})
	bin := wasmtest.DeniedThenTrap("tool_invoke", hostimport.ImportHTTPRequest, hostimport.ImportTenantContext)
	_, err := r.Run(context.Background(), testCall("deny-then-trap", bin, `{"url":"https://example.com"}`))
	if tool.Code(err) != tool.ToolErrorCodeTrap {
		t.Fatalf("Code(err) = %q, want TRAP (err=%v)", tool.Code(err), err)
	}
	if !tool.IsRetryable(err) {
		t.Fatal("TRAP after a handled denial should stay retryable")
	}
}

func TestHTTPEnabledReturnsResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Petal-Tenant") != "acme" {
			http.Error(w, "missing tenant", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"pong":true}`))
	}))
	defer server.Close()

	bridge := hostimport.NewBridge(hostimport.Config{HTTPEnabled: true})
	r := newTestRuntime(t, Config{Bridge: bridge})
	res, err := r.Run(context.Background(), testCall("http-ok", wasmtest.HostCaller(hostimport.ImportHTTPRequest),
		`{"method":"GET","url":"`+server.URL+`"}`))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if string(res.Value) != `{"pong":true}` {
		t.Fatalf("Value = %s", res.Value)
	}
	if res.HostCalls[hostimport.ImportHTTPRequest] != 1 {
		t.Fatalf("HostCalls = %v", res.HostCalls)
	}
}

func TestTenantContextReachesGuest(t *testing.T) {
	r := newTestRuntime(t, Config{})
	call := testCall("tenant", wasmtest.HostCaller(hostimport.ImportTenantContext), `{}`)
	call.Tenant.Attempt = 3

	res, err := r.Run(context.Background(), call)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var view map[string]any
	if err := json.Unmarshal(res.Value, &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["tenant"] != "acme" || view["attempt"] != float64(3) {
		t.Fatalf("tenant view = %v", view)
	}
}

func TestDescribe(t *testing.T) {
	r := newTestRuntime(t, Config{})
	ctx := context.Background()

	doc := `{"name":"echo","schema":{"type":"object"}}`
	got, neg, err := r.Describe(ctx, testCall("described", wasmtest.Rich(doc), ""))
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if string(got) != doc || neg.Describe != ExportDescribe {
		t.Fatalf("Describe() = %s %+v", got, neg)
	}
	again, _, err := r.Describe(ctx, testCall("described", wasmtest.Rich(doc), ""))
	if err != nil || string(again) != doc {
		t.Fatalf("cached Describe() = %s %v", again, err)
	}

	probed, _, err := r.Describe(ctx, testCall("probed", wasmtest.Rich(""), ""))
	if err != nil {
		t.Fatalf("Describe() fallback error = %v", err)
	}
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(probed, &sections); err != nil {
		t.Fatalf("decode fallback: %v", err)
	}
	for _, key := range []string{"capabilities", "list_secrets", "config_schema"} {
		if string(sections[key]) != `{}` {
			t.Fatalf("fallback[%s] = %s, want {}", key, sections[key])
		}
	}

	_, _, err = r.Describe(ctx, testCall("pointer", wasmtest.EchoPointer("tool_invoke"), ""))
	if tool.Code(err) != tool.ToolErrorCodeABIUnsupported {
		t.Fatalf("pointer Describe() code = %q, want ABI_UNSUPPORTED", tool.Code(err))
	}
}

func TestDescribeSurvivesCanceledCaller(t *testing.T) {
	r := newTestRuntime(t, Config{})
	doc := `{"name":"shared"}`
	call := testCall("shared-describe", wasmtest.Rich(doc), "")
	if _, err := r.Negotiate(context.Background(), call); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got, _, err := r.Describe(ctx, call); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled Describe() = %s, %v", got, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if cached, ok := r.describes.Load(call.Digest); ok {
			if string(cached.(json.RawMessage)) != doc {
				t.Fatalf("cached describe = %s, want %s", cached, doc)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("describe run was abandoned with its canceled caller")
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, _, err := r.Describe(context.Background(), call)
	if err != nil || string(got) != doc {
		t.Fatalf("Describe() = %s, %v; want %s", got, err, doc)
	}
}

func TestNegotiationIsCached(t *testing.T) {
	r := newTestRuntime(t, Config{})
	call := testCall("cached", wasmtest.EchoString("tool_invoke"), "")
	if _, err := r.Negotiate(context.Background(), call); err != nil {
		t.Fatalf("Negotiate() error = %v", err)
	}
	call.Binary = nil
	neg, err := r.Negotiate(context.Background(), call)
	if err != nil {
		t.Fatalf("cached Negotiate() error = %v", err)
	}
	if neg.Tier != TierString {
		t.Fatalf("Tier = %q, want string", neg.Tier)
	}
}
