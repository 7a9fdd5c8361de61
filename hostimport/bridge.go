// Package hostimport implements the capability functions offered to guest
// components: outbound HTTP, secret lookup, and key-value get/put. Every call
// is scoped to the tenant of the attempt that made it.
package hostimport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/petal-labs/petalexec/tenant"
)

// ModuleName is the import module guests use for host capabilities.
const ModuleName = "petal_host"

// Import names exported by ModuleName.
const (
	ImportHTTPRequest   = "http_request"
	ImportSecretGet     = "secret_get"
	ImportKVGet         = "kv_get"
	ImportKVPut         = "kv_put"
	ImportTenantContext = "tenant_context"
)

// Imports lists every import name in ModuleName.
var Imports = []string{
	ImportHTTPRequest,
	ImportSecretGet,
	ImportKVGet,
	ImportKVPut,
	ImportTenantContext,
}

// Error codes returned to guests.
const (
	CodeHTTPDisabled    = "http-disabled"
	CodeHostDenied      = "host-denied"
	CodeInvalidMethod   = "invalid-method"
	CodeInvalidRequest  = "invalid-request"
	CodeTransport       = "transport-error"
	CodeSecretsDisabled = "secrets-disabled"
	CodeKVDisabled      = "kv-disabled"
	CodeBackend         = "backend-error"
	CodeUnknownImport   = "unknown-import"
)

// Status is the integer a host import returns to the guest.
type Status uint32

const (
	StatusOK     Status = 0
	StatusError  Status = 1
	StatusAbsent Status = 2
)

// Result is what a host import hands back: a status and a response buffer.
type Result struct {
	Status Status
	Body   []byte
}

// GuestError is the body of a StatusError result.
type GuestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorResult(code, message string) Result {
	body, _ := json.Marshal(GuestError{Code: code, Message: message})
	return Result{Status: StatusError, Body: body}
}

// Config configures the capabilities a Bridge offers.
type Config struct {
	// HTTPEnabled turns on http_request. When false every call is denied.
	HTTPEnabled bool
	HTTPClient  *http.Client
	// AllowedHosts restricts http_request when non-empty.
	AllowedHosts     []string
	MaxResponseBytes int64
	Secrets          SecretStore
	KV               KVStore
	Logger           *slog.Logger
}

// Bridge holds process-level capability backends. Per-attempt state lives
// in a Session.
type Bridge struct {
	cfg Config
}

// NewBridge creates a bridge, filling unset defaults.
func NewBridge(cfg Config) *Bridge {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 16 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{cfg: cfg}
}

// HTTPEnabled reports whether outbound HTTP is allowed.
func (b *Bridge) HTTPEnabled() bool {
	return b != nil && b.cfg.HTTPEnabled
}

// Session binds the bridge to one attempt's tenant context.
func (b *Bridge) Session(tc tenant.Context) *Session {
	return &Session{bridge: b, tenant: tc}
}

// Session is the capability view of a single attempt.
type Session struct {
	bridge *Bridge
	tenant tenant.Context

	mu     sync.Mutex
	denied []string
	calls  map[string]int
	// lastDenied is set while the most recent import call is a denial.
	lastDenied bool
}

// Tenant returns the session's tenant context.
func (s *Session) Tenant() tenant.Context {
	return s.tenant
}

// Call dispatches one import by name.
func (s *Session) Call(ctx context.Context, name string, request []byte) Result {
	s.record(name, "")
	switch name {
	case ImportHTTPRequest:
		return s.httpRequest(ctx, request)
	case ImportSecretGet:
		return s.secretGet(ctx, request)
	case ImportKVGet:
		return s.kvGet(ctx, request)
	case ImportKVPut:
		return s.kvPut(ctx, request)
	case ImportTenantContext:
		return s.tenantContext()
	default:
		return errorResult(CodeUnknownImport, "unknown host import "+name)
	}
}

// Denied returns the denial codes recorded during the session, in order.
func (s *Session) Denied() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.denied...)
}

// LastCallDenied reports whether the most recent import call was denied.
// Any later import call clears it.
func (s *Session) LastCallDenied() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDenied
}

// Calls returns per-import call counts.
func (s *Session) Calls() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.calls))
	for name, n := range s.calls {
		out[name] = n
	}
	return out
}

func (s *Session) deny(name, code, message string) Result {
	s.record("", code)
	s.bridge.cfg.Logger.Debug("host import denied",
		"import", name,
		"code", code,
		"tenant", s.tenant.Tenant,
		"env", s.tenant.Env,
	)
	return errorResult(code, message)
}

func (s *Session) record(call, denial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call != "" {
		if s.calls == nil {
			s.calls = make(map[string]int)
		}
		s.calls[call]++
		s.lastDenied = false
	}
	if denial != "" {
		s.denied = append(s.denied, denial)
		s.lastDenied = true
	}
}

func (s *Session) tenantContext() Result {
	body, err := s.tenant.MarshalGuest()
	if err != nil {
		return errorResult(CodeBackend, err.Error())
	}
	return Result{Status: StatusOK, Body: body}
}
