// Package server exposes the petalexec engine over HTTP: tool listing and
// registration, describe, synchronous and background invocation, and the
// invocation event history with a live SSE stream.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/petal-labs/petalexec/bus"
	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/sse"
	"github.com/petal-labs/petalexec/tool"
)

// Invoker is the part of the engine the server drives.
type Invoker interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Response, error)
	Describe(ctx context.Context, name string) (*engine.Description, error)
	Registry() *tool.Registry
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Engine Invoker
	// Bus and EventStore back the invocation history and event stream. The
	// engine must publish into them, see bus.Recorder.
	Bus        bus.EventBus
	EventStore bus.EventStore
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the petalexec HTTP API server.
type Server struct {
	engine     Invoker
	bus        bus.EventBus
	eventStore bus.EventStore
	events     *sse.Handler
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger

	// background tracks invocations started with ?async=true.
	background sync.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:     cfg.Engine,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		events:     sse.NewHandler(cfg.EventStore, cfg.Bus),
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools", s.handleRegisterTool)
	mux.HandleFunc("GET /api/tools/{name}", s.handleGetTool)
	mux.HandleFunc("GET /api/tools/{name}/describe", s.handleDescribeTool)
	mux.HandleFunc("POST /api/tools/{name}/invoke", s.handleInvokeTool)

	mux.HandleFunc("GET /api/invocations", s.handleListInvocations)
	mux.HandleFunc("GET /api/invocations/{invocation_id}", s.handleGetInvocation)
	mux.Handle("GET /api/invocations/{invocation_id}/events", s.events)
}

// Shutdown cancels background invocations and waits for them to return, or
// for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the error envelope for failures that are not tool errors.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}

// toolErrorEnvelope carries a structured tool error verbatim.
type toolErrorEnvelope struct {
	Error *tool.ToolError `json:"error"`
}

// writeToolError maps err to an HTTP status and writes it.
func writeToolError(w http.ResponseWriter, err error) {
	toolErr, ok := tool.AsToolError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, tool.ToolErrorCodeInvocationFailed, err.Error())
		return
	}
	writeJSON(w, statusForCode(tool.Code(tool.LastAttemptError(err))), toolErrorEnvelope{Error: toolErr})
}

func statusForCode(code string) int {
	switch code {
	case tool.ToolErrorCodeToolNotFound, tool.ToolErrorCodeNotFound:
		return http.StatusNotFound
	case tool.ToolErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case tool.ToolErrorCodeDigestMismatch, tool.ToolErrorCodeSignatureInvalid, tool.ToolErrorCodeUntrusted:
		return http.StatusForbidden
	case tool.ToolErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case tool.ToolErrorCodeABIUnsupported:
		return http.StatusNotImplemented
	case tool.ToolErrorCodeResolveTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
