package engine

import (
	"context"
	"encoding/json"

	"github.com/petal-labs/petalexec/sandbox"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
	"github.com/petal-labs/petalexec/verify"
)

// Description is a tool's self-description.
type Description struct {
	Tool     string          `json:"tool"`
	Tier     sandbox.Tier    `json:"tier"`
	Symbol   string          `json:"symbol"`
	Digest   string          `json:"digest"`
	Document json.RawMessage `json:"document"`
}

// Describe resolves and verifies the tool's artifact and asks the guest to
// describe itself. Only rich-tier guests can answer.
func (e *Engine) Describe(ctx context.Context, name string) (*Description, error) {
	entry, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	art, err := e.resolver.Resolve(ctx, entry.Component)
	if err != nil {
		return nil, err
	}
	if err := e.verifier.Verify(verify.Subject{
		Tool:         entry.Name,
		PinnedDigest: entry.Digest,
		Artifact:     art,
	}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, entry.Timeout)
	defer cancel()

	doc, neg, err := e.runner.Describe(ctx, sandbox.Call{
		Digest: art.Digest,
		Binary: art.Bytes,
		Entry:  entry.Entry,
		Tenant: tenant.Default(),
	})
	if err != nil {
		e.logger.Debug("describe failed", "tool", entry.Name, "code", tool.Code(err), "error", err)
		return nil, err
	}
	return &Description{
		Tool:     entry.Name,
		Tier:     neg.Tier,
		Symbol:   neg.Symbol,
		Digest:   art.Digest,
		Document: doc,
	}, nil
}
