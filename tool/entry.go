package tool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultEntrySymbol is the export invoked when an entry names none.
	DefaultEntrySymbol = "tool_invoke"
	// DefaultTimeout bounds one attempt when an entry names no timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultRetryBackoff is the backoff base a registry file applies when an
	// entry omits retry_backoff_ms.
	DefaultRetryBackoff = 200 * time.Millisecond
)

// Entry maps a logical tool name to its artifact and execution hints.
// Entries are immutable once registered.
type Entry struct {
	Name         string        `json:"name"`
	Component    string        `json:"component"`
	Entry        string        `json:"entry,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	MaxRetries   int           `json:"max_retries,omitempty"`
	RetryBackoff time.Duration `json:"retry_backoff,omitempty"`
	// Digest optionally pins the artifact's sha256 digest.
	Digest      string `json:"digest,omitempty"`
	Description string `json:"description,omitempty"`
}

// WithDefaults fills unset execution hints. A zero RetryBackoff is kept:
// it means retries start immediately.
func (e Entry) WithDefaults() Entry {
	e.Name = strings.TrimSpace(e.Name)
	e.Component = strings.TrimSpace(e.Component)
	e.Entry = strings.TrimSpace(e.Entry)
	if e.Entry == "" {
		e.Entry = DefaultEntrySymbol
	}
	if e.Timeout <= 0 {
		e.Timeout = DefaultTimeout
	}
	if e.MaxRetries < 0 {
		e.MaxRetries = 0
	}
	return e
}

// Validate checks the fields every entry needs.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("tool: entry name is required")
	}
	if strings.TrimSpace(e.Component) == "" {
		return fmt.Errorf("tool: entry %q: component is required", e.Name)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("tool: entry %q: max_retries must be non-negative", e.Name)
	}
	if e.Timeout < 0 || e.RetryBackoff < 0 {
		return fmt.Errorf("tool: entry %q: durations must be non-negative", e.Name)
	}
	return nil
}

// RetryPolicy derives the governor policy for this entry.
func (e Entry) RetryPolicy(timeouts TimeoutPolicy) RetryPolicy {
	return RetryPolicy{
		MaxRetries:  e.MaxRetries,
		BackoffBase: e.RetryBackoff,
		Timeouts:    timeouts,
	}
}

// Registry is an in-memory, name-keyed set of entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry builds a registry, rejecting invalid and duplicate entries.
func NewRegistry(entries ...Entry) (*Registry, error) {
	reg := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, entry := range entries {
		if err := reg.Add(entry); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Add registers entry. Names are unique.
func (r *Registry) Add(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	entry = entry.WithDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]Entry)
	}
	if _, exists := r.entries[entry.Name]; exists {
		return fmt.Errorf("tool: duplicate tool name %q", entry.Name)
	}
	r.entries[entry.Name] = entry
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, error) {
	if r == nil {
		return Entry{}, Fatal(ToolErrorCodeToolNotFound, "tool %q is not registered", name)
	}
	r.mu.RLock()
	entry, ok := r.entries[strings.TrimSpace(name)]
	r.mu.RUnlock()
	if !ok {
		return Entry{}, Fatal(ToolErrorCodeToolNotFound, "tool %q is not registered", name)
	}
	return entry, nil
}

// List returns entries sorted by name.
func (r *Registry) List() []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
