package engine

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/petalexec/hostimport"
	"github.com/petal-labs/petalexec/sandbox"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

// SourceConfig configures artifact resolution.
type SourceConfig struct {
	// LocalRoots are searched in order for non-URL locations.
	LocalRoots []string
	// CacheDir persists fetched artifacts when set.
	CacheDir string
	// CacheTTL bounds cached artifact validity. Zero never expires.
	CacheTTL        time.Duration
	FetchSignatures bool
	HTTPClient      *http.Client
}

// Config configures an Engine.
type Config struct {
	Registry *tool.Registry

	Sources SourceConfig
	// Resolver overrides Sources when set.
	Resolver Resolver

	Verify  verify.Policy
	Runtime sandbox.Policy

	// HTTPEnabled turns on the http_request host import.
	HTTPEnabled  bool
	AllowedHosts []string
	Secrets      hostimport.SecretStore
	KV           hostimport.KVStore

	// Timeouts decides whether a TIMEOUT attempt is retried.
	Timeouts tool.TimeoutPolicy

	// Runner overrides the wazero sandbox when set.
	Runner Runner

	EventHandler EventHandler
	Logger       *slog.Logger

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}
