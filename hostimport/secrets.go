package hostimport

import (
	"context"
	"os"
	"strings"
	"sync"
	"unicode"
)

// SecretStore resolves namespaced secret keys ("env/tenant/name").
type SecretStore interface {
	GetSecret(ctx context.Context, key string) (string, bool, error)
}

// SecretWriter is implemented by stores that can be populated.
type SecretWriter interface {
	PutSecret(ctx context.Context, key, value string) error
}

func (s *Session) secretGet(ctx context.Context, payload []byte) Result {
	store := s.bridge.cfg.Secrets
	if store == nil {
		return s.deny(ImportSecretGet, CodeSecretsDisabled, "no secret store is configured")
	}
	name := strings.TrimSpace(string(payload))
	if name == "" || strings.Contains(name, "/") {
		return errorResult(CodeInvalidRequest, "secret name must be non-empty and contain no '/'")
	}

	value, ok, err := store.GetSecret(ctx, s.tenant.Namespace(name))
	if err != nil {
		return errorResult(CodeBackend, err.Error())
	}
	if !ok {
		return Result{Status: StatusAbsent}
	}
	return Result{Status: StatusOK, Body: []byte(value)}
}

// MemorySecrets is an in-process SecretStore.
type MemorySecrets struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemorySecrets returns a store seeded with values keyed by namespaced key.
func NewMemorySecrets(values map[string]string) *MemorySecrets {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &MemorySecrets{values: copied}
}

// GetSecret implements SecretStore.
func (m *MemorySecrets) GetSecret(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok, nil
}

// PutSecret implements SecretWriter.
func (m *MemorySecrets) PutSecret(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

// EnvSecrets reads secrets from environment variables named
// PREFIX_<ENV>_<TENANT>_<NAME>, upper-cased with non-alphanumerics as '_'.
type EnvSecrets struct {
	Prefix string
	Lookup func(string) (string, bool)
}

// NewEnvSecrets returns an environment-backed store.
func NewEnvSecrets(prefix string) *EnvSecrets {
	if prefix == "" {
		prefix = "PETALEXEC_SECRET"
	}
	return &EnvSecrets{Prefix: prefix, Lookup: os.LookupEnv}
}

// VarName returns the environment variable consulted for key.
func (e *EnvSecrets) VarName(key string) string {
	var b strings.Builder
	b.WriteString(e.Prefix)
	for _, part := range strings.Split(key, "/") {
		b.WriteByte('_')
		for _, r := range part {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToUpper(r))
			} else {
				b.WriteByte('_')
			}
		}
	}
	return b.String()
}

// GetSecret implements SecretStore.
func (e *EnvSecrets) GetSecret(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(e.VarName(key))
	return value, ok, nil
}
