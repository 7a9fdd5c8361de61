package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/petal-labs/petalexec/tool"
)

// candidateSuffixes are appended, in order, to a location when looking it up.
var candidateSuffixes = []string{"", ".wasm", ".component.wasm"}

// SignatureSuffix names the detached signature file next to an artifact.
const SignatureSuffix = ".sig"

// LocalSource resolves locations against a list of root directories.
type LocalSource struct {
	roots []string
}

// NewLocalSource returns a source searching roots in order. With no roots,
// locations are read as given (relative to the working directory).
func NewLocalSource(roots ...string) (*LocalSource, error) {
	clean := make([]string, 0, len(roots))
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("artifact: resolve root %q: %w", root, err)
		}
		clean = append(clean, abs)
	}
	return &LocalSource{roots: clean}, nil
}

// Resolve reads the first existing candidate for location.
func (s *LocalSource) Resolve(ctx context.Context, location string) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	location = strings.TrimPrefix(strings.TrimSpace(location), "file://")

	bases, err := s.bases(location)
	if err != nil {
		return Artifact{}, err
	}

	var tried []string
	for _, base := range bases {
		for _, suffix := range candidateSuffixes {
			path := base + suffix
			tried = append(tried, path)

			info, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return Artifact{}, tool.NewError(tool.ToolErrorCodeIO, "stat "+path, false, err)
			}
			if info.IsDir() {
				continue
			}
			return readLocal(path)
		}
	}

	return Artifact{}, tool.WithDetails(
		tool.Fatal(tool.ToolErrorCodeNotFound, "artifact %q not found", location),
		map[string]any{"tried": tried},
	)
}

func (s *LocalSource) bases(location string) ([]string, error) {
	if len(s.roots) == 0 {
		abs, err := filepath.Abs(location)
		if err != nil {
			return nil, tool.NewError(tool.ToolErrorCodeIO, "resolve "+location, false, err)
		}
		return []string{abs}, nil
	}

	bases := make([]string, 0, len(s.roots))
	for _, root := range s.roots {
		candidate := location
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(root, candidate)
		}
		candidate = filepath.Clean(candidate)
		rel, err := filepath.Rel(root, candidate)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			if filepath.IsAbs(location) {
				continue
			}
			return nil, tool.Fatal(tool.ToolErrorCodeResolveFatal, "artifact %q escapes root %s", location, root)
		}
		bases = append(bases, candidate)
	}
	if len(bases) == 0 {
		return nil, tool.Fatal(tool.ToolErrorCodeResolveFatal, "artifact %q is outside every configured root", location)
	}
	return bases, nil
}

func readLocal(path string) (Artifact, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path constrained to configured roots
	if err != nil {
		return Artifact{}, tool.NewError(tool.ToolErrorCodeIO, "read "+path, false, err)
	}

	var signature []byte
	sig, err := os.ReadFile(path + SignatureSuffix) // #nosec G304 -- sibling of a resolved artifact
	switch {
	case err == nil:
		signature = sig
	case !errors.Is(err, fs.ErrNotExist):
		return Artifact{}, tool.NewError(tool.ToolErrorCodeIO, "read "+path+SignatureSuffix, false, err)
	}

	return Artifact{
		Location:  path,
		Bytes:     data,
		Digest:    Digest(data),
		Signature: signature,
	}, nil
}
