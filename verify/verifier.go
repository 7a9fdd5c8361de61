package verify

import (
	"sync"

	"github.com/petal-labs/petalexec/artifact"
)

// Verifier applies a Policy and, when the policy allows it, remembers admit
// verdicts for identical bytes.
type Verifier struct {
	policy Policy

	mu       sync.RWMutex
	verdicts map[string]struct{}
}

// NewVerifier returns a verifier bound to policy.
func NewVerifier(policy Policy) *Verifier {
	return &Verifier{
		policy:   policy,
		verdicts: make(map[string]struct{}),
	}
}

// Policy returns the bound policy.
func (v *Verifier) Policy() Policy {
	return v.policy
}

// Verify checks subject. Only admit verdicts are cached, so a rejected
// artifact is re-evaluated on every call.
func (v *Verifier) Verify(subject Subject) error {
	if !v.policy.CacheVerdicts || v.policy.Mode == ModeNone || v.policy.Mode == "" {
		return Verify(subject, v.policy)
	}

	key := artifact.Digest(subject.Artifact.Bytes) + "|" + fingerprint(subject, v.policy)
	v.mu.RLock()
	_, ok := v.verdicts[key]
	v.mu.RUnlock()
	if ok {
		return nil
	}

	if err := Verify(subject, v.policy); err != nil {
		return err
	}
	v.mu.Lock()
	v.verdicts[key] = struct{}{}
	v.mu.Unlock()
	return nil
}
