// Package artifact resolves tool artifact locations to raw component bytes.
//
// Two sources exist: a local directory lookup and a single-file HTTP fetch
// backed by a Cache keyed by the resolved URL. A Router picks exactly one
// source per location.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/petalexec/tool"
)

// DigestPrefix prefixes every digest string produced by Digest.
const DigestPrefix = "sha256:"

// Artifact is one resolved component.
type Artifact struct {
	// Location is the fully-resolved location (absolute path or URL).
	Location  string
	Bytes     []byte
	Digest    string
	Signature []byte
	FromCache bool
}

// Source yields artifact bytes for a location.
type Source interface {
	Resolve(ctx context.Context, location string) (Artifact, error)
}

// Digest returns the sha256 content digest of data as "sha256:<hex>".
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// Router dispatches each location to exactly one Source.
type Router struct {
	Local  Source
	Remote Source
	Logger *slog.Logger
}

// IsRemote reports whether location is fetched over HTTP.
func IsRemote(location string) bool {
	lower := strings.ToLower(strings.TrimSpace(location))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Resolve resolves location through the matching source.
func (r *Router) Resolve(ctx context.Context, location string) (Artifact, error) {
	source, kind, err := r.sourceFor(location)
	if err != nil {
		return Artifact{}, err
	}

	start := time.Now()
	art, err := source.Resolve(ctx, location)
	tool.EmitArtifact(tool.ArtifactObservation{
		Location:   location,
		Source:     kind,
		CacheHit:   art.FromCache,
		Bytes:      len(art.Bytes),
		DurationMS: time.Since(start).Milliseconds(),
		ErrorCode:  tool.Code(err),
	})
	if err != nil {
		r.logger().Debug("artifact resolve failed", "location", location, "source", kind, "error", err)
		return Artifact{}, err
	}
	r.logger().Debug("artifact resolved",
		"location", art.Location,
		"source", kind,
		"digest", art.Digest,
		"cache_hit", art.FromCache,
	)
	return art, nil
}

func (r *Router) sourceFor(location string) (Source, string, error) {
	if strings.TrimSpace(location) == "" {
		return nil, "", tool.Fatal(tool.ToolErrorCodeInvalidRequest, "artifact location is empty")
	}
	if IsRemote(location) {
		if r.Remote == nil {
			return nil, "", tool.Fatal(tool.ToolErrorCodeResolveFatal, "no remote source configured for %s", location)
		}
		return r.Remote, "http", nil
	}
	if parsed, err := url.Parse(location); err == nil && parsed.Scheme != "" && parsed.Scheme != "file" && len(parsed.Scheme) > 1 {
		return nil, "", tool.Fatal(tool.ToolErrorCodeResolveFatal, "unsupported artifact scheme %q", parsed.Scheme)
	}
	if r.Local == nil {
		return nil, "", tool.Fatal(tool.ToolErrorCodeResolveFatal, "no local source configured for %s", location)
	}
	return r.Local, "local", nil
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
