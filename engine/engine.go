// Package engine runs tool calls end to end: registry lookup, artifact
// resolution, verification, and sandboxed attempts under the retry governor.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalexec/artifact"
	"github.com/petal-labs/petalexec/hostimport"
	"github.com/petal-labs/petalexec/sandbox"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

// Request is one logical tool call.
type Request struct {
	Tool string `json:"tool"`
	// Action overrides the entry symbol of the registry entry.
	Action    string          `json:"action,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Tenant    *tenant.Context `json:"tenant,omitempty"`
	// InvocationID is generated when empty.
	InvocationID string `json:"invocation_id,omitempty"`
}

// AttemptRecord summarizes one attempt.
type AttemptRecord struct {
	Attempt  int           `json:"attempt"`
	State    sandbox.State `json:"state"`
	Code     string        `json:"code,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Response is a successful call.
type Response struct {
	InvocationID string          `json:"invocation_id"`
	Tool         string          `json:"tool"`
	Value        json.RawMessage `json:"value"`
	Tier         sandbox.Tier    `json:"tier"`
	Digest       string          `json:"digest"`
	Attempts     int             `json:"attempts"`
	Records      []AttemptRecord `json:"records"`
	Duration     time.Duration   `json:"duration"`
}

// Resolver turns an artifact location into bytes.
type Resolver interface {
	Resolve(ctx context.Context, location string) (artifact.Artifact, error)
}

// Runner executes one attempt inside a sandbox.
type Runner interface {
	Run(ctx context.Context, call sandbox.Call) (*sandbox.Result, error)
	Describe(ctx context.Context, call sandbox.Call) (json.RawMessage, sandbox.Negotiation, error)
}

// Engine executes calls against a registry. It is safe for concurrent use;
// independent calls share only the artifact cache and the compiled-code cache.
type Engine struct {
	registry *tool.Registry
	resolver Resolver
	verifier *verify.Verifier
	runner   Runner
	governor *tool.Governor
	timeouts tool.TimeoutPolicy
	events   EventHandler
	logger   *slog.Logger
	now      func() time.Time

	cache *artifact.Cache
	owned *sandbox.Runtime
}

// New builds an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errors.New("engine: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	timeouts, err := tool.ParseTimeoutPolicy(string(cfg.Timeouts))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		registry: cfg.Registry,
		verifier: verify.NewVerifier(cfg.Verify),
		governor: tool.NewGovernor(),
		timeouts: timeouts,
		events:   cfg.EventHandler,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}

	if cfg.Resolver != nil {
		e.resolver = cfg.Resolver
	} else {
		router, cache, err := newRouter(cfg.Sources, cfg.Logger)
		if err != nil {
			return nil, err
		}
		e.resolver = router
		e.cache = cache
	}

	if cfg.Runner != nil {
		e.runner = cfg.Runner
	} else {
		bridge := hostimport.NewBridge(hostimport.Config{
			HTTPEnabled:  cfg.HTTPEnabled,
			AllowedHosts: cfg.AllowedHosts,
			Secrets:      cfg.Secrets,
			KV:           cfg.KV,
			Logger:       cfg.Logger,
		})
		rt := sandbox.New(sandbox.Config{Policy: cfg.Runtime, Bridge: bridge, Logger: cfg.Logger})
		e.runner = rt
		e.owned = rt
	}
	return e, nil
}

func newRouter(cfg SourceConfig, logger *slog.Logger) (*artifact.Router, *artifact.Cache, error) {
	local, err := artifact.NewLocalSource(cfg.LocalRoots...)
	if err != nil {
		return nil, nil, err
	}
	cache, err := artifact.NewCache(artifact.CacheConfig{TTL: cfg.CacheTTL, Dir: cfg.CacheDir, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	remote, err := artifact.NewHTTPSource(artifact.HTTPSourceConfig{
		Client:          cfg.HTTPClient,
		Cache:           cache,
		FetchSignatures: cfg.FetchSignatures,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return &artifact.Router{Local: local, Remote: remote, Logger: logger}, cache, nil
}

// Cache returns the artifact cache, or nil when a custom Resolver is used.
func (e *Engine) Cache() *artifact.Cache {
	return e.cache
}

// Registry returns the tool registry.
func (e *Engine) Registry() *tool.Registry {
	return e.registry
}

// Close releases sandbox resources owned by the engine.
func (e *Engine) Close(ctx context.Context) error {
	if e.owned == nil {
		return nil
	}
	return e.owned.Close(ctx)
}

// Execute builds an engine from cfg, runs one call and closes the engine.
func Execute(ctx context.Context, req Request, cfg Config) (*Response, error) {
	e, err := New(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = e.Close(context.Background())
	}()
	return e.Execute(ctx, req)
}

// Execute runs one logical call. The caller receives either a JSON value or
// a single structured error; partial outcomes are never returned.
func (e *Engine) Execute(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	tc := tenant.Default()
	if req.Tenant != nil {
		tc = req.Tenant.Normalize()
	}

	if strings.TrimSpace(req.Tool) == "" {
		return nil, tool.Fatal(tool.ToolErrorCodeInvalidRequest, "tool name is required")
	}
	if len(req.Arguments) > 0 && !json.Valid(req.Arguments) {
		return nil, tool.Fatal(tool.ToolErrorCodeInvalidRequest, "arguments for %q are not valid JSON", req.Tool)
	}
	entry, err := e.registry.Lookup(req.Tool)
	if err != nil {
		return nil, err
	}

	if !tc.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, tc.Deadline)
		defer cancel()
	}

	id := strings.TrimSpace(req.InvocationID)
	if id == "" {
		id = uuid.NewString()
	}
	inv := &invocation{
		engine: e,
		id:     id,
		entry:  entry,
		symbol: entry.Entry,
		args:   req.Arguments,
		start:  start,
	}
	if action := strings.TrimSpace(req.Action); action != "" {
		inv.symbol = action
	}
	inv.logger = e.logger.With("invocation_id", inv.id, "tool", entry.Name, "tenant", tc.Tenant, "env", tc.Env)
	inv.emit(Event{Kind: EventInvocationStarted}.
		WithPayload("component", entry.Component).
		WithPayload("symbol", inv.symbol))

	value, attempts, err := e.governor.Run(ctx, entry.RetryPolicy(e.timeouts), tool.RetryMeta{
		ToolName: entry.Name,
		Action:   inv.symbol,
	}, tc, inv.attempt)
	elapsed := e.now().Sub(start)

	tool.EmitInvoke(tool.ToolInvokeObservation{
		ToolName:   entry.Name,
		Action:     inv.symbol,
		Tier:       string(inv.tier),
		Tenant:     tc.Tenant,
		Attempts:   attempts,
		DurationMS: elapsed.Milliseconds(),
		Success:    err == nil,
		ErrorCode:  tool.Code(err),
	})
	finished := Event{Kind: EventInvocationFinished, Elapsed: elapsed}.
		WithPayload("attempts", attempts).
		WithPayload("success", err == nil)

	if err != nil {
		code := tool.CodeOrDefault(err, tool.ToolErrorCodeInvocationFailed)
		inv.emit(finished.WithPayload("code", code))
		inv.logger.Warn("tool invocation failed",
			"attempts", attempts,
			"code", code,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		if toolErr, ok := tool.AsToolError(err); ok {
			tool.WithDetails(toolErr, map[string]any{
				"invocation_id": inv.id,
				"tool":          entry.Name,
			})
		}
		return nil, err
	}

	inv.emit(finished)
	inv.logger.Info("tool invocation finished",
		"attempts", attempts,
		"tier", inv.tier,
		"duration_ms", elapsed.Milliseconds(),
	)
	return &Response{
		InvocationID: inv.id,
		Tool:         entry.Name,
		Value:        value,
		Tier:         inv.tier,
		Digest:       inv.artifact.Digest,
		Attempts:     attempts,
		Records:      inv.records,
		Duration:     elapsed,
	}, nil
}
