// Package sandbox runs guest WebAssembly tools on wazero. Each attempt gets
// a fresh runtime with its own linear memory; compiled code is shared
// through a process-wide compilation cache.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/singleflight"

	"github.com/petal-labs/petalexec/hostimport"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
)

const wasiModule = "wasi_snapshot_preview1"

// Config configures a Runtime.
type Config struct {
	Policy Policy
	// Bridge supplies host imports. A nil bridge offers no capabilities.
	Bridge *hostimport.Bridge
	Logger *slog.Logger
}

// Call is one guest invocation.
type Call struct {
	Digest string
	Binary []byte
	// Entry is the preferred symbol for the string and pointer tiers.
	Entry string
	// Action is passed to rich-tier guests.
	Action string
	Args   json.RawMessage
	Tenant tenant.Context
	// OnState observes lifecycle transitions. Optional.
	OnState func(State)
}

func (c Call) report(state State) {
	if c.OnState != nil {
		c.OnState(state)
	}
}

// Result is a successful invocation.
type Result struct {
	Value     json.RawMessage
	Tier      Tier
	Symbol    string
	HostCalls map[string]int
}

// Runtime compiles, negotiates and invokes guests.
type Runtime struct {
	policy Policy
	bridge *hostimport.Bridge
	logger *slog.Logger
	cache  wazero.CompilationCache

	negotiations sync.Map // negotiationKey -> Negotiation
	describes    sync.Map // digest -> json.RawMessage
	describeOnce singleflight.Group
}

type negotiationKey struct {
	digest string
	entry  string
}

// New creates a Runtime.
func New(cfg Config) *Runtime {
	if cfg.Bridge == nil {
		cfg.Bridge = hostimport.NewBridge(hostimport.Config{Logger: cfg.Logger})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runtime{
		policy: cfg.Policy.WithDefaults(),
		bridge: cfg.Bridge,
		logger: cfg.Logger,
		cache:  wazero.NewCompilationCache(),
	}
}

// Policy returns the effective runtime policy.
func (r *Runtime) Policy() Policy {
	return r.policy
}

// Close releases the compilation cache.
func (r *Runtime) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}

// Negotiate returns the tier for (digest, entry), compiling the module on
// first use.
func (r *Runtime) Negotiate(ctx context.Context, call Call) (Negotiation, error) {
	key := negotiationKey{digest: call.Digest, entry: call.Entry}
	if cached, ok := r.negotiations.Load(key); ok {
		return cached.(Negotiation), nil
	}
	rt := wazero.NewRuntimeWithConfig(ctx, r.runtimeConfig(false))
	defer rt.Close(context.Background())

	compiled, err := compile(ctx, rt, call.Binary)
	if err != nil {
		return Negotiation{}, err
	}
	return r.negotiate(key, compiled)
}

func (r *Runtime) negotiate(key negotiationKey, compiled wazero.CompiledModule) (Negotiation, error) {
	if cached, ok := r.negotiations.Load(key); ok {
		return cached.(Negotiation), nil
	}
	neg, err := Negotiate(compiled.ExportedFunctions(), compiled.ExportedMemories(), key.entry)
	if err != nil {
		return Negotiation{}, err
	}
	if key.digest != "" {
		r.negotiations.Store(key, neg)
	}
	return neg, nil
}

func (r *Runtime) runtimeConfig(metered bool) wazero.RuntimeConfig {
	var cfg wazero.RuntimeConfig
	if metered {
		// Listeners change the generated code, so metered runs use the
		// interpreter without the shared cache.
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig().WithCompilationCache(r.cache)
	}
	return cfg.
		WithMemoryLimitPages(r.policy.MaxMemoryPages).
		WithCloseOnContextDone(true)
}

func compile(ctx context.Context, rt wazero.Runtime, binary []byte) (wazero.CompiledModule, error) {
	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		return nil, tool.NewError(tool.ToolErrorCodeABIUnsupported, "compile module: "+err.Error(), false, err)
	}
	return compiled, nil
}

// instance is one instantiated guest. It is never shared.
type instance struct {
	rt      wazero.Runtime
	mod     api.Module
	neg     Negotiation
	session *hostimport.Session
	meter   *fuelMeter
	ctx     context.Context
	cancel  context.CancelFunc
}

func (in *instance) close() {
	in.cancel()
	_ = in.rt.Close(context.Background())
}

func (r *Runtime) instantiate(ctx context.Context, call Call) (*instance, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	metered := r.policy.Fuel > 0

	var meter *fuelMeter
	compileCtx := attemptCtx
	if metered {
		meter = newFuelMeter(r.policy.Fuel, cancel)
		compileCtx = experimental.WithFunctionListenerFactory(attemptCtx, meter.factory())
	}

	rt := wazero.NewRuntimeWithConfig(attemptCtx, r.runtimeConfig(metered))
	in := &instance{rt: rt, meter: meter, ctx: attemptCtx, cancel: cancel}
	fail := func(err error) (*instance, error) {
		in.close()
		return nil, err
	}

	compiled, err := compile(compileCtx, rt, call.Binary)
	if err != nil {
		return fail(err)
	}
	neg, err := r.negotiate(negotiationKey{digest: call.Digest, entry: call.Entry}, compiled)
	if err != nil {
		return fail(err)
	}
	in.neg = neg

	if err := r.linkImports(attemptCtx, rt, compiled); err != nil {
		return fail(err)
	}
	in.session = r.bridge.Session(call.Tenant)
	if err := instantiateHost(attemptCtx, rt, in.session, neg.Allocator); err != nil {
		return fail(err)
	}

	modCfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
	if neg.Initialize {
		modCfg = modCfg.WithStartFunctions(ExportInitialize)
	}
	mod, err := rt.InstantiateModule(attemptCtx, compiled, modCfg)
	if err != nil {
		return fail(r.classify(in, err))
	}
	in.mod = mod
	return in, nil
}

// linkImports rejects imports the sandbox cannot satisfy and instantiates
// WASI when the policy allows it.
func (r *Runtime) linkImports(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule) error {
	needsWASI := false
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		switch module {
		case hostimport.ModuleName:
		case wasiModule:
			needsWASI = true
		default:
			return tool.WithDetails(
				tool.Fatal(tool.ToolErrorCodeABIUnsupported, "unsupported import %s.%s", module, name),
				map[string]any{"module": module, "name": name},
			)
		}
	}
	if !needsWASI {
		return nil
	}
	if !r.policy.EnableWASI {
		return tool.Fatal(tool.ToolErrorCodeABIUnsupported, "module imports %s but WASI is disabled", wasiModule)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fmt.Errorf("sandbox: instantiate wasi: %w", err)
	}
	return nil
}

// Run executes one attempt in a fresh instance.
func (r *Runtime) Run(ctx context.Context, call Call) (*Result, error) {
	in, err := r.instantiate(ctx, call)
	if err != nil {
		return nil, err
	}
	defer in.close()
	call.report(StateInstantiated)

	logger := r.logger.With("tier", in.neg.Tier, "symbol", in.neg.Symbol, "digest", call.Digest)
	logger.Debug("sandbox invoking guest", "attempt", call.Tenant.Attempt)
	call.report(StateInvoking)

	value, err := in.invoke(call.Action, call.Args)
	if err != nil {
		return nil, r.classify(in, err)
	}
	return &Result{
		Value:     value,
		Tier:      in.neg.Tier,
		Symbol:    in.neg.Symbol,
		HostCalls: in.session.Calls(),
	}, nil
}

func (in *instance) invoke(action string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	fn := in.mod.ExportedFunction(in.neg.Symbol)
	if fn == nil {
		return nil, tool.Fatal(tool.ToolErrorCodeABIUnsupported, "export %q disappeared after negotiation", in.neg.Symbol)
	}

	argPtr, argLen, err := writeBuffer(in.ctx, in.mod, in.neg.Allocator, args)
	if err != nil {
		return nil, err
	}

	switch in.neg.Tier {
	case TierPointer:
		results, err := fn.Call(in.ctx, uint64(argPtr), uint64(argLen))
		if err != nil {
			return nil, err
		}
		if len(results) != 2 {
			return nil, fmt.Errorf("sandbox: pointer entry returned %d values", len(results))
		}
		out, err := readRegion(in.mod.Memory(), api.DecodeU32(results[0]), api.DecodeU32(results[1]))
		if err != nil {
			return nil, err
		}
		return jsonValue(out)

	case TierString:
		results, err := fn.Call(in.ctx, uint64(argPtr), uint64(argLen))
		if err != nil {
			return nil, err
		}
		out, err := in.readIndirect(results)
		if err != nil {
			return nil, err
		}
		return jsonValue(out)

	case TierRich:
		actPtr, actLen, err := writeBuffer(in.ctx, in.mod, in.neg.Allocator, []byte(action))
		if err != nil {
			return nil, err
		}
		results, err := fn.Call(in.ctx, uint64(actPtr), uint64(actLen), uint64(argPtr), uint64(argLen))
		if err != nil {
			return nil, err
		}
		return in.richOutcome(results)

	default:
		return nil, tool.Fatal(tool.ToolErrorCodeABIUnsupported, "unknown tier %q", in.neg.Tier)
	}
}

// readIndirect follows a retptr result to a {ptr, len} pair and returns
// the bytes it names.
func (in *instance) readIndirect(results []uint64) ([]byte, error) {
	if len(results) != 1 {
		return nil, fmt.Errorf("sandbox: expected a single return pointer, got %d values", len(results))
	}
	words, err := readWords(in.mod.Memory(), api.DecodeU32(results[0]), 2)
	if err != nil {
		return nil, err
	}
	return readRegion(in.mod.Memory(), words[0], words[1])
}

func (in *instance) richOutcome(results []uint64) (json.RawMessage, error) {
	if len(results) != 1 {
		return nil, fmt.Errorf("sandbox: rich entry returned %d values", len(results))
	}
	words, err := readWords(in.mod.Memory(), api.DecodeU32(results[0]), 3)
	if err != nil {
		return nil, err
	}
	payload, err := readRegion(in.mod.Memory(), words[1], words[2])
	if err != nil {
		return nil, err
	}
	switch words[0] {
	case 0:
		return jsonValue(payload)
	case 1:
		return nil, in.valueError(payload)
	default:
		return nil, fmt.Errorf("sandbox: rich entry returned unknown result tag %d", words[0])
	}
}

func (in *instance) valueError(payload []byte) error {
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(payload))
		raw = quoted
	}
	err := tool.NewError(tool.ToolErrorCodeValueError, "guest returned an error value", false, nil)
	err.Payload = raw
	if denied := in.session.Denied(); len(denied) > 0 {
		tool.WithDetails(err, map[string]any{"denied": denied})
	}
	return err
}

// jsonValue validates guest output. Empty output is read as null.
func jsonValue(out []byte) (json.RawMessage, error) {
	if len(out) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(out) {
		return nil, tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeInvocationFailed, "guest returned invalid JSON"),
			map[string]any{"bytes": len(out)},
		)
	}
	return json.RawMessage(out), nil
}

// Describe returns the guest's self-description. Rich guests with a
// describe export are asked once per digest; rich guests without one are
// probed through the capabilities, list_secrets and config_schema actions.
func (r *Runtime) Describe(ctx context.Context, call Call) (json.RawMessage, Negotiation, error) {
	neg, err := r.Negotiate(ctx, call)
	if err != nil {
		return nil, Negotiation{}, err
	}
	if neg.Tier != TierRich {
		return nil, neg, tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeABIUnsupported, "describe is not supported by the %s tier", neg.Tier),
			map[string]any{"tier": string(neg.Tier)},
		)
	}
	if cached, ok := r.describes.Load(call.Digest); ok && call.Digest != "" {
		return cached.(json.RawMessage), neg, nil
	}

	ch := r.describeOnce.DoChan(call.Digest, func() (any, error) {
		if cached, ok := r.describes.Load(call.Digest); ok && call.Digest != "" {
			return cached, nil
		}
		// Every waiter shares this run, so it outlives a canceled caller but
		// keeps the caller's deadline.
		shared, cancel := detach(ctx)
		defer cancel()
		doc, err := r.describe(shared, call, neg)
		if err != nil {
			return nil, err
		}
		if call.Digest != "" {
			r.describes.Store(call.Digest, doc)
		}
		return doc, nil
	})
	select {
	case <-ctx.Done():
		return nil, neg, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, neg, res.Err
		}
		return res.Val.(json.RawMessage), neg, nil
	}
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithCancel(detached)
}

var describeProbes = []string{"capabilities", "list_secrets", "config_schema"}

func (r *Runtime) describe(ctx context.Context, call Call, neg Negotiation) (json.RawMessage, error) {
	if neg.Describe != "" {
		in, err := r.instantiate(ctx, call)
		if err != nil {
			return nil, err
		}
		defer in.close()
		fn := in.mod.ExportedFunction(neg.Describe)
		results, err := fn.Call(in.ctx)
		if err != nil {
			return nil, r.classify(in, err)
		}
		out, err := in.readIndirect(results)
		if err != nil {
			return nil, r.classify(in, err)
		}
		return jsonValue(out)
	}

	doc := make(map[string]json.RawMessage, len(describeProbes))
	for _, action := range describeProbes {
		in, err := r.instantiate(ctx, call)
		if err != nil {
			return nil, err
		}
		value, err := in.invoke(action, json.RawMessage("{}"))
		in.close()
		if err != nil {
			r.logger.Debug("describe probe failed", "action", action, "error", err)
			continue
		}
		doc[action] = value
	}
	if len(doc) == 0 {
		return nil, tool.Fatal(tool.ToolErrorCodeABIUnsupported, "guest exports no describe function and answered no describe probe")
	}
	return json.Marshal(doc)
}

// classify maps a raw sandbox failure to a ToolError.
func (r *Runtime) classify(in *instance, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := tool.AsToolError(err); ok {
		return err
	}
	if in.meter.Exhausted() {
		return tool.WithDetails(
			tool.NewError(tool.ToolErrorCodeTrap, "fuel exhausted", true, err),
			map[string]any{"reason": "fuel", "fuel": r.policy.Fuel},
		)
	}
	if isContextExit(err) || in.ctx.Err() != nil {
		if errors.Is(in.ctx.Err(), context.Canceled) && !isDeadlineExit(err) {
			return tool.Canceled(context.Canceled)
		}
		return tool.NewError(tool.ToolErrorCodeTimeout, "attempt deadline exceeded", true, context.DeadlineExceeded)
	}
	// Only a trap while the denied result is still the latest host answer
	// is blamed on the denial.
	if in.session.LastCallDenied() {
		return tool.WithDetails(
			tool.NewError(tool.ToolErrorCodeHostImportDenied, "guest failed after a denied host import", false, err),
			map[string]any{"denied": in.session.Denied()},
		)
	}
	trap := tool.NewError(tool.ToolErrorCodeTrap, err.Error(), true, err)
	if errors.Is(err, errMemoryGrow) {
		tool.WithDetails(trap, map[string]any{"reason": "memory"})
	}
	return trap
}

func isContextExit(err error) bool {
	var exitErr *sys.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	code := exitErr.ExitCode()
	return code == sys.ExitCodeDeadlineExceeded || code == sys.ExitCodeContextCanceled
}

func isDeadlineExit(err error) bool {
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded
}
