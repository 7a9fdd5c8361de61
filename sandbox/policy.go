package sandbox

// DefaultMaxMemoryPages bounds guest linear memory at 64 MiB.
const DefaultMaxMemoryPages = 1024

// Policy bounds what a single sandbox instance may consume.
type Policy struct {
	// MaxMemoryPages caps linear memory in 64 KiB pages.
	MaxMemoryPages uint32
	// Fuel is the number of guest function calls an attempt may make.
	// Zero disables metering.
	Fuel uint64
	// EnableWASI instantiates wasi_snapshot_preview1 for modules that import it.
	EnableWASI bool
}

// WithDefaults fills unset fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxMemoryPages == 0 {
		p.MaxMemoryPages = DefaultMaxMemoryPages
	}
	if p.MaxMemoryPages > 65536 {
		p.MaxMemoryPages = 65536
	}
	return p
}

// State is a step of the attempt lifecycle.
type State string

const (
	StateResolved     State = "resolved"
	StateVerified     State = "verified"
	StateInstantiated State = "instantiated"
	StateInvoking     State = "invoking"
	StateSucceeded    State = "succeeded"
	StateTrapped      State = "trapped"
	StateValueError   State = "value_error"
	StateTimedOut     State = "timed_out"
	StateFailed       State = "failed"
)

// Terminal reports whether s ends an attempt.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateTrapped, StateValueError, StateTimedOut, StateFailed:
		return true
	default:
		return false
	}
}
