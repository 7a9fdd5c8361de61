package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/petal-labs/petalexec/tool"
)

type registryDocument struct {
	Tools []registryEntry `json:"tools"`
}

type registryEntry struct {
	Name           string  `json:"name"`
	Component      string  `json:"component"`
	Entry          string  `json:"entry"`
	TimeoutMS      *uint64 `json:"timeout_ms"`
	MaxRetries     *uint32 `json:"max_retries"`
	RetryBackoffMS *uint64 `json:"retry_backoff_ms"`
	Digest         string  `json:"digest"`
	Description    string  `json:"description"`
}

// LoadRegistry reads a registry file and builds a tool.Registry from it.
func LoadRegistry(path string) (*tool.Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return ParseRegistry(data, path)
}

// ParseRegistry decodes registry bytes. path is only used for format detection.
func ParseRegistry(data []byte, path string) (*tool.Registry, error) {
	entries, err := ParseEntries(data, path)
	if err != nil {
		return nil, err
	}
	return tool.NewRegistry(entries...)
}

// ParseEntries decodes and validates the entries of a registry document.
// Both `{tools: [...]}` and a bare list are accepted.
func ParseEntries(data []byte, path string) ([]tool.Entry, error) {
	format := DetectFormat(data, path)
	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	var raw []registryEntry
	trimmed := bytes.TrimLeft(jsonData, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := decodeStrict(jsonData, &raw); err != nil {
			return nil, fmt.Errorf("decoding %s registry: %w", format, err)
		}
	} else {
		var doc registryDocument
		if err := decodeStrict(jsonData, &doc); err != nil {
			return nil, fmt.Errorf("decoding %s registry: %w", format, err)
		}
		raw = doc.Tools
	}

	var diags []Diagnostic
	seen := make(map[string]int, len(raw))
	entries := make([]tool.Entry, 0, len(raw))
	for i, item := range raw {
		entry := item.toEntry()
		if err := entry.Validate(); err != nil {
			diags = append(diags, Diagnostic{Index: i, Name: entry.Name, Message: err.Error()})
			continue
		}
		if first, dup := seen[entry.Name]; dup {
			diags = append(diags, Diagnostic{
				Index:   i,
				Name:    entry.Name,
				Message: fmt.Sprintf("duplicate tool name %q (first defined at index %d)", entry.Name, first),
			})
			continue
		}
		seen[entry.Name] = i
		entries = append(entries, entry)
	}
	if len(diags) > 0 {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return entries, nil
}

func (e registryEntry) toEntry() tool.Entry {
	entry := tool.Entry{
		Name:        strings.TrimSpace(e.Name),
		Component:   strings.TrimSpace(e.Component),
		Entry:       strings.TrimSpace(e.Entry),
		Digest:      strings.TrimSpace(e.Digest),
		Description: e.Description,
	}
	if e.TimeoutMS != nil {
		entry.Timeout = time.Duration(*e.TimeoutMS) * time.Millisecond
	}
	if e.MaxRetries != nil {
		entry.MaxRetries = int(*e.MaxRetries)
	}
	entry.RetryBackoff = tool.DefaultRetryBackoff
	if e.RetryBackoffMS != nil {
		entry.RetryBackoff = time.Duration(*e.RetryBackoffMS) * time.Millisecond
	}
	return entry
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Diagnostic describes one rejected registry entry.
type Diagnostic struct {
	Index   int    `json:"index"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

// DiagnosticError wraps entry diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	if len(e.Diagnostics) == 1 {
		return fmt.Sprintf("validation error: %s", e.Diagnostics[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(e.Diagnostics), e.Diagnostics[0].Message)
}
