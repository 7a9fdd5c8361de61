// Package verify decides whether a resolved artifact may run.
//
// Verification is deterministic and side-effect free: identical bytes and
// policy always produce the identical outcome. Every failure is fatal.
package verify

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/petal-labs/petalexec/artifact"
	"github.com/petal-labs/petalexec/tool"
)

// Mode is the level of provenance a policy requires.
type Mode string

const (
	ModeNone               Mode = "none"
	ModeDigest             Mode = "digest"
	ModeDigestAndSignature Mode = "digest+signature"
)

// ParseMode maps a config string to a Mode. Empty selects ModeNone.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case "", ModeNone:
		return ModeNone, nil
	case ModeDigest, "digest-only":
		return ModeDigest, nil
	case ModeDigestAndSignature, "digest-and-signature", "signature":
		return ModeDigestAndSignature, nil
	default:
		return "", fmt.Errorf("verify: unknown mode %q", value)
	}
}

// Policy describes what an artifact must prove before it runs.
type Policy struct {
	Mode Mode
	// ExpectedDigest applies to every tool without a RequiredDigests entry.
	ExpectedDigest string
	// RequiredDigests pins digests per tool name.
	RequiredDigests map[string]string
	// AllowUnverified admits artifacts that have no expected digest configured.
	AllowUnverified bool
	// TrustedKeys maps signer key ids to ed25519 public keys.
	TrustedKeys map[string]ed25519.PublicKey
	// CacheVerdicts lets a Verifier reuse an admit verdict for identical bytes.
	CacheVerdicts bool
}

// Subject is what gets verified: the artifact plus the tool it was resolved for.
type Subject struct {
	Tool string
	// PinnedDigest comes from the tool entry and is used when the policy
	// names no digest for the tool.
	PinnedDigest string
	Artifact     artifact.Artifact
}

// SignatureEnvelope is the detached signature format. The signature covers
// the artifact digest string ("sha256:<hex>").
type SignatureEnvelope struct {
	KeyID     string `json:"keyid"`
	Signature string `json:"signature"`
}

// Verify checks subject against policy.
func Verify(subject Subject, policy Policy) error {
	switch policy.Mode {
	case "", ModeNone:
		return nil
	case ModeDigest:
		return verifyDigest(subject, policy)
	case ModeDigestAndSignature:
		if err := verifyDigest(subject, policy); err != nil {
			return err
		}
		return verifySignature(subject, policy)
	default:
		return tool.Fatal(tool.ToolErrorCodeUntrusted, "unknown verify mode %q", policy.Mode)
	}
}

func verifyDigest(subject Subject, policy Policy) error {
	actual := artifact.Digest(subject.Artifact.Bytes)

	expected := policy.RequiredDigests[subject.Tool]
	if expected == "" {
		expected = policy.ExpectedDigest
	}
	if expected == "" {
		expected = subject.PinnedDigest
	}
	if expected == "" {
		if policy.AllowUnverified {
			return nil
		}
		return tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeUntrusted, "no expected digest configured for %q", subject.Tool),
			map[string]any{"actual": actual},
		)
	}

	normalized, err := NormalizeDigest(expected)
	if err != nil {
		return tool.NewError(tool.ToolErrorCodeDigestMismatch, "expected digest is malformed", false, err)
	}
	if normalized != actual {
		return tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeDigestMismatch, "artifact digest does not match for %q", subject.Tool),
			map[string]any{"expected": normalized, "actual": actual},
		)
	}
	return nil
}

func verifySignature(subject Subject, policy Policy) error {
	if len(subject.Artifact.Signature) == 0 {
		return tool.Fatal(tool.ToolErrorCodeSignatureInvalid, "artifact for %q has no signature", subject.Tool)
	}

	var envelope SignatureEnvelope
	if err := json.Unmarshal(subject.Artifact.Signature, &envelope); err != nil {
		return tool.NewError(tool.ToolErrorCodeSignatureInvalid, "malformed signature envelope", false, err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return tool.NewError(tool.ToolErrorCodeSignatureInvalid, "malformed signature bytes", false, err)
	}

	key, ok := policy.TrustedKeys[envelope.KeyID]
	if !ok || len(key) != ed25519.PublicKeySize {
		return tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeUntrusted, "signer %q is not trusted", envelope.KeyID),
			map[string]any{"keyid": envelope.KeyID},
		)
	}

	message := []byte(artifact.Digest(subject.Artifact.Bytes))
	if !ed25519.Verify(key, message, sig) {
		return tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeSignatureInvalid, "signature verification failed for %q", subject.Tool),
			map[string]any{"keyid": envelope.KeyID},
		)
	}
	return nil
}

// NormalizeDigest accepts "sha256:<hex>" or bare hex and returns the prefixed lowercase form.
func NormalizeDigest(value string) (string, error) {
	clean := strings.ToLower(strings.TrimSpace(value))
	clean = strings.TrimPrefix(clean, artifact.DigestPrefix)
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("verify: digest is not hex: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("verify: digest has %d bytes, want 32", len(raw))
	}
	return artifact.DigestPrefix + clean, nil
}

// Sign produces a signature envelope for data with key.
func Sign(keyID string, key ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("verify: private key has %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}
	sig := ed25519.Sign(key, []byte(artifact.Digest(data)))
	return json.Marshal(SignatureEnvelope{
		KeyID:     keyID,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
}

// fingerprint identifies everything in policy that can change a verdict for subject.
func fingerprint(subject Subject, policy Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%s|%t|", policy.Mode, subject.Tool, policy.RequiredDigests[subject.Tool], policy.ExpectedDigest, policy.AllowUnverified)
	b.WriteString(subject.PinnedDigest)
	ids := make([]string, 0, len(policy.TrustedKeys))
	for id := range policy.TrustedKeys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "|%s=%x", id, []byte(policy.TrustedKeys[id]))
	}
	fmt.Fprintf(&b, "|sig=%x", subject.Artifact.Signature)
	return b.String()
}
