package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/hostimport"
	"github.com/petal-labs/petalexec/loader"
	petalotel "github.com/petal-labs/petalexec/otel"
	"github.com/petal-labs/petalexec/sandbox"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

const defaultCapabilityDB = "capabilities.db"

// addEngineFlags registers the flags shared by commands that build an engine.
func addEngineFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("registry", "", "Path to a tool registry file (json, yaml, toml)")
	f.String("store-path", "", "Path to SQLite tool store, used when --registry is not set (default: ~/.petalexec/petalexec.db)")
	f.StringArray("root", nil, "Directory searched for local artifacts (repeatable)")
	f.String("cache-dir", "", "Persist fetched artifacts under this directory")
	f.Duration("cache-ttl", 0, "Cached artifact lifetime (0 = never expires)")
	f.Bool("fetch-signatures", false, "Fetch <url>.sig alongside remote artifacts")

	f.String("verify", "none", "Verification mode: none | digest | digest+signature")
	f.String("expect-digest", "", "Expected sha256 digest for every tool")
	f.Bool("allow-unverified", false, "Admit artifacts with no expected digest")
	f.StringArray("trusted-key", nil, "Trusted signer as keyid=public.pem (repeatable)")

	f.Uint64("fuel", 0, "Guest function-call budget per attempt (0 = unlimited)")
	f.Uint32("max-memory-pages", sandbox.DefaultMaxMemoryPages, "Guest memory limit in 64 KiB pages")
	f.Bool("wasi", false, "Provide wasi_snapshot_preview1 to guests")
	f.String("timeout-policy", string(tool.TimeoutRetry), "TIMEOUT handling: retry | terminal")

	f.Bool("http", false, "Enable the http_request host import")
	f.StringArray("allow-host", nil, "Host the guest may reach over HTTP (repeatable; empty allows all)")
	f.String("secrets", "", "Secret backend: env | sqlite (default: disabled)")
	f.String("kv", "", "Key-value backend: memory | sqlite | redis://... (default: disabled)")
	f.String("capability-db", "", "SQLite path for secrets and kv (default: ~/.petalexec/capabilities.db)")

	f.Bool("metrics", false, "Print collected metrics to stderr when done")
}

// engineSession owns an engine and everything opened to build it.
type engineSession struct {
	Engine    *engine.Engine
	providers *petalotel.Providers
	closers   []io.Closer
	metrics   bool
	stderr    io.Writer
}

func (s *engineSession) Close(ctx context.Context) {
	if s.Engine != nil {
		_ = s.Engine.Close(ctx)
	}
	if s.providers != nil {
		if s.metrics {
			printMetrics(ctx, s.stderr, s.providers)
		}
		tool.SetObserver(nil)
		_ = s.providers.Shutdown(ctx)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].Close()
	}
}

// openEngine builds an engine from the command's flags. Extra handlers see
// every engine event after the telemetry handlers.
func openEngine(cmd *cobra.Command, extra ...engine.EventHandler) (*engineSession, error) {
	ctx := cmd.Context()
	logger := slog.Default()
	session := &engineSession{stderr: cmd.ErrOrStderr()}
	session.metrics, _ = cmd.Flags().GetBool("metrics")

	fail := func(err error) (*engineSession, error) {
		session.Close(context.Background())
		return nil, err
	}

	registry, err := loadCommandRegistry(cmd)
	if err != nil {
		return fail(err)
	}

	policy, err := verifyPolicyFromFlags(cmd)
	if err != nil {
		return fail(err)
	}

	timeoutPolicy, _ := cmd.Flags().GetString("timeout-policy")
	timeouts, err := tool.ParseTimeoutPolicy(timeoutPolicy)
	if err != nil {
		return fail(exitError(exitValidation, "%v", err))
	}

	secrets, kv, err := openCapabilities(cmd, session)
	if err != nil {
		return fail(err)
	}

	providers, err := petalotel.NewProviders(ctx, petalotel.ProviderConfig{ServiceName: "petalexec"})
	if err != nil {
		return fail(exitError(exitRuntime, "initializing telemetry: %v", err))
	}
	session.providers = providers
	observer, err := petalotel.NewToolObserver(providers.Meter(), providers.Tracer())
	if err != nil {
		return fail(exitError(exitRuntime, "initializing tool observability: %v", err))
	}
	tool.SetObserver(observer)
	metricsHandler, err := petalotel.NewMetricsHandler(providers.Meter())
	if err != nil {
		return fail(exitError(exitRuntime, "initializing engine metrics: %v", err))
	}

	handlers := []engine.EventHandler{
		petalotel.EventHandler(petalotel.NewTracingHandler(providers.Tracer()), metricsHandler),
	}

	roots, _ := cmd.Flags().GetStringArray("root")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	cacheTTL, _ := cmd.Flags().GetDuration("cache-ttl")
	fetchSigs, _ := cmd.Flags().GetBool("fetch-signatures")
	fuel, _ := cmd.Flags().GetUint64("fuel")
	pages, _ := cmd.Flags().GetUint32("max-memory-pages")
	wasi, _ := cmd.Flags().GetBool("wasi")
	httpEnabled, _ := cmd.Flags().GetBool("http")
	allowHosts, _ := cmd.Flags().GetStringArray("allow-host")

	e, err := engine.New(engine.Config{
		Registry: registry,
		Sources: engine.SourceConfig{
			LocalRoots:      roots,
			CacheDir:        cacheDir,
			CacheTTL:        cacheTTL,
			FetchSignatures: fetchSigs,
		},
		Verify: policy,
		Runtime: sandbox.Policy{
			MaxMemoryPages: pages,
			Fuel:           fuel,
			EnableWASI:     wasi,
		},
		HTTPEnabled:  httpEnabled,
		AllowedHosts: allowHosts,
		Secrets:      secrets,
		KV:           kv,
		Timeouts:     timeouts,
		EventHandler: engine.MultiEventHandler(append(handlers, extra...)...),
		Logger:       logger,
	})
	if err != nil {
		return fail(exitError(exitRuntime, "creating engine: %v", err))
	}
	session.Engine = e
	return session, nil
}

// loadCommandRegistry reads --registry, or the SQLite tool store when no file is given.
func loadCommandRegistry(cmd *cobra.Command) (*tool.Registry, error) {
	path, _ := cmd.Flags().GetString("registry")
	if strings.TrimSpace(path) != "" {
		reg, err := loader.LoadRegistry(path)
		if err != nil {
			return nil, registryLoadError(cmd, path, err)
		}
		return reg, nil
	}

	store, err := resolveToolStore(cmd)
	if err != nil {
		return nil, exitError(exitRuntime, "opening tool store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()
	reg, err := tool.RegistryFromStore(cmd.Context(), store)
	if err != nil {
		return nil, exitError(exitRuntime, "loading tool store: %v", err)
	}
	return reg, nil
}

func registryLoadError(cmd *cobra.Command, path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return exitError(exitFileNotFound, "file not found: %s", path)
	}
	var diagErr *loader.DiagnosticError
	if errors.As(err, &diagErr) {
		printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
		return exitError(exitValidation, "validation failed")
	}
	return exitError(exitValidation, "%v", err)
}

func printDiagnosticsText(w io.Writer, diags []loader.Diagnostic) {
	for _, d := range diags {
		if d.Name != "" {
			fmt.Fprintf(w, "  tools[%d] (%s): %s\n", d.Index, d.Name, d.Message)
			continue
		}
		fmt.Fprintf(w, "  tools[%d]: %s\n", d.Index, d.Message)
	}
}

func verifyPolicyFromFlags(cmd *cobra.Command) (verify.Policy, error) {
	modeValue, _ := cmd.Flags().GetString("verify")
	mode, err := verify.ParseMode(modeValue)
	if err != nil {
		return verify.Policy{}, exitError(exitValidation, "%v", err)
	}
	expected, _ := cmd.Flags().GetString("expect-digest")
	allowUnverified, _ := cmd.Flags().GetBool("allow-unverified")
	specs, _ := cmd.Flags().GetStringArray("trusted-key")
	keys, err := verify.ParseTrustedKeySpecs(specs)
	if err != nil {
		return verify.Policy{}, exitError(exitValidation, "%v", err)
	}
	if mode == verify.ModeDigestAndSignature && len(keys) == 0 {
		return verify.Policy{}, exitError(exitValidation, "--verify %s requires at least one --trusted-key", mode)
	}
	return verify.Policy{
		Mode:            mode,
		ExpectedDigest:  strings.TrimSpace(expected),
		AllowUnverified: allowUnverified,
		TrustedKeys:     keys,
		CacheVerdicts:   true,
	}, nil
}

func openCapabilities(cmd *cobra.Command, session *engineSession) (hostimport.SecretStore, hostimport.KVStore, error) {
	secretsMode, _ := cmd.Flags().GetString("secrets")
	kvMode, _ := cmd.Flags().GetString("kv")
	secretsMode = strings.ToLower(strings.TrimSpace(secretsMode))
	kvMode = strings.TrimSpace(kvMode)

	var sqliteStore *hostimport.SQLiteStore
	openSQLite := func() (*hostimport.SQLiteStore, error) {
		if sqliteStore != nil {
			return sqliteStore, nil
		}
		store, err := resolveCapabilityStore(cmd)
		if err != nil {
			return nil, exitError(exitRuntime, "opening capability store: %v", err)
		}
		session.closers = append(session.closers, store)
		sqliteStore = store
		return store, nil
	}

	var secrets hostimport.SecretStore
	switch secretsMode {
	case "":
	case "env":
		secrets = hostimport.NewEnvSecrets("")
	case "sqlite":
		store, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		secrets = store
	default:
		return nil, nil, exitError(exitValidation, "unknown --secrets backend %q", secretsMode)
	}

	var kv hostimport.KVStore
	switch {
	case kvMode == "":
	case kvMode == "memory":
		kv = hostimport.NewMemoryKV()
	case kvMode == "sqlite":
		store, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		kv = store
	case strings.HasPrefix(kvMode, "redis://") || strings.HasPrefix(kvMode, "rediss://"):
		redisKV, err := hostimport.NewRedisKV(cmd.Context(), hostimport.RedisKVConfig{URL: kvMode})
		if err != nil {
			return nil, nil, exitError(exitRuntime, "connecting to redis: %v", err)
		}
		session.closers = append(session.closers, redisKV)
		kv = redisKV
	default:
		return nil, nil, exitError(exitValidation, "unknown --kv backend %q", kvMode)
	}
	return secrets, kv, nil
}

func resolveCapabilityStore(cmd *cobra.Command) (*hostimport.SQLiteStore, error) {
	path, _ := cmd.Flags().GetString("capability-db")
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("PETALEXEC_CAPABILITY_DB")
	}
	if strings.TrimSpace(path) == "" {
		defaultPath, err := tool.DefaultSQLitePath()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(filepath.Dir(defaultPath), defaultCapabilityDB)
	}
	return hostimport.NewSQLiteStore(hostimport.SQLiteStoreConfig{DSN: filepath.Clean(path)})
}

func printMetrics(ctx context.Context, w io.Writer, providers *petalotel.Providers) {
	snapshot, err := providers.Snapshot(ctx)
	if err != nil {
		fmt.Fprintf(w, "metrics unavailable: %v\n", err)
		return
	}
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %d\n", name, snapshot[name])
	}
}
