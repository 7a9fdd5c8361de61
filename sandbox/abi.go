package sandbox

import (
	"sort"

	"github.com/tetratelabs/wazero/api"

	"github.com/petal-labs/petalexec/tool"
)

// Tier is the calling convention negotiated with a guest.
type Tier string

const (
	// TierRich is invoke(action, args) -> result<json, json> with optional describe-json.
	TierRich Tier = "rich"
	// TierString is (ptr, len) -> retptr{ptr, len} over UTF-8 JSON.
	TierString Tier = "string"
	// TierPointer is (ptr, len) -> (ptr, len) over UTF-8 JSON.
	TierPointer Tier = "pointer"
)

// Export names with fixed meaning.
const (
	ExportMemory     = "memory"
	ExportInvoke     = "invoke"
	ExportDescribe   = "describe-json"
	ExportInitialize = "_initialize"
)

// allocators are tried in order.
var allocators = []string{"cabi_realloc", "alloc", "malloc"}

var reserved = map[string]bool{
	ExportInvoke:     true,
	ExportDescribe:   true,
	ExportInitialize: true,
	"_start":         true,
	"cabi_realloc":   true,
	"alloc":          true,
	"malloc":         true,
	"free":           true,
}

// Negotiation is the chosen protocol for one (artifact, entry) pair.
type Negotiation struct {
	Tier   Tier   `json:"tier"`
	Symbol string `json:"symbol"`
	// Describe is the describe export, empty when absent.
	Describe   string `json:"describe,omitempty"`
	Allocator  string `json:"allocator,omitempty"`
	Initialize bool   `json:"initialize,omitempty"`
}

type shape struct {
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32

	richShape     = shape{params: []api.ValueType{i32, i32, i32, i32}, results: []api.ValueType{i32}}
	stringShape   = shape{params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}}
	pointerShape  = shape{params: []api.ValueType{i32, i32}, results: []api.ValueType{i32, i32}}
	describeShape = shape{results: []api.ValueType{i32}}
	reallocShape  = shape{params: []api.ValueType{i32, i32, i32, i32}, results: []api.ValueType{i32}}
	allocShape    = shape{params: []api.ValueType{i32}, results: []api.ValueType{i32}}
	nullaryShape  = shape{}
)

func (s shape) matches(def api.FunctionDefinition) bool {
	if def == nil {
		return false
	}
	return equalTypes(def.ParamTypes(), s.params) && equalTypes(def.ResultTypes(), s.results)
}

func equalTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Negotiate picks the highest tier the export table supports. entry is the
// preferred symbol for the string and pointer tiers.
func Negotiate(functions map[string]api.FunctionDefinition, memories map[string]api.MemoryDefinition, entry string) (Negotiation, error) {
	if _, ok := memories[ExportMemory]; !ok {
		return Negotiation{}, tool.Fatal(tool.ToolErrorCodeABIUnsupported, "module does not export %q", ExportMemory)
	}

	neg := Negotiation{
		Allocator:  pickAllocator(functions),
		Initialize: nullaryShape.matches(functions[ExportInitialize]),
	}

	if richShape.matches(functions[ExportInvoke]) {
		neg.Tier = TierRich
		neg.Symbol = ExportInvoke
		if describeShape.matches(functions[ExportDescribe]) {
			neg.Describe = ExportDescribe
		}
		return neg, nil
	}

	// The configured entry wins over any other export of either shape.
	for _, candidate := range entryTiers {
		if entry != "" && candidate.shape.matches(functions[entry]) {
			neg.Tier = candidate.tier
			neg.Symbol = entry
			return neg, nil
		}
	}

	details := map[string]any{"entry": entry}
	for _, candidate := range entryTiers {
		symbol, ambiguous := scanSymbol(functions, candidate.shape)
		if symbol != "" {
			neg.Tier = candidate.tier
			neg.Symbol = symbol
			return neg, nil
		}
		if len(ambiguous) > 0 {
			details[string(candidate.tier)+"_candidates"] = ambiguous
		}
	}

	err := tool.Fatal(tool.ToolErrorCodeABIUnsupported, "no supported entrypoint (tried rich, string and pointer tiers)")
	return Negotiation{}, tool.WithDetails(err, details)
}

var entryTiers = []struct {
	tier  Tier
	shape shape
}{
	{TierString, stringShape},
	{TierPointer, pointerShape},
}

// scanSymbol returns the only non-reserved export of shape s, or the sorted
// candidates when there is more than one.
func scanSymbol(functions map[string]api.FunctionDefinition, s shape) (string, []string) {
	var matches []string
	for name, def := range functions {
		if reserved[name] {
			continue
		}
		if s.matches(def) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 1 {
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", matches
}

func pickAllocator(functions map[string]api.FunctionDefinition) string {
	for _, name := range allocators {
		def, ok := functions[name]
		if !ok {
			continue
		}
		if name == "cabi_realloc" && reallocShape.matches(def) {
			return name
		}
		if name != "cabi_realloc" && allocShape.matches(def) {
			return name
		}
	}
	return ""
}
