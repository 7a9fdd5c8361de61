package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/petal-labs/petalexec/tool"
)

const (
	defaultFetchTimeout = 60 * time.Second
	// defaultMaxArtifactBytes bounds one download.
	defaultMaxArtifactBytes = 256 << 20
)

// HTTPSourceConfig configures an HTTPSource.
type HTTPSourceConfig struct {
	Client *http.Client
	// Cache is required; resolved bytes are always committed through it.
	Cache *Cache
	// FetchSignatures downloads "<url>.sig" alongside the artifact.
	FetchSignatures bool
	MaxBytes        int64
	UserAgent       string
	Logger          *slog.Logger
}

// HTTPSource fetches single-file artifacts over HTTP.
type HTTPSource struct {
	client          *http.Client
	cache           *Cache
	fetchSignatures bool
	maxBytes        int64
	userAgent       string
	logger          *slog.Logger
}

// NewHTTPSource creates a remote source.
func NewHTTPSource(cfg HTTPSourceConfig) (*HTTPSource, error) {
	if cfg.Cache == nil {
		return nil, errors.New("artifact: http source cache is nil")
	}
	if cfg.Client == nil {
		cfg.Client = newFetchClient(defaultFetchTimeout)
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxArtifactBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "petalexec"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPSource{
		client:          cfg.Client,
		cache:           cfg.Cache,
		fetchSignatures: cfg.FetchSignatures,
		maxBytes:        cfg.MaxBytes,
		userAgent:       cfg.UserAgent,
		logger:          cfg.Logger,
	}, nil
}

// Resolve returns cached bytes for location, fetching them on a miss.
func (s *HTTPSource) Resolve(ctx context.Context, location string) (Artifact, error) {
	key, err := CacheKey(location)
	if err != nil {
		return Artifact{}, err
	}

	entry, hit, err := s.cache.Load(ctx, key, func(fetchCtx context.Context) (Fetched, error) {
		return s.fetch(fetchCtx, key)
	})
	if err != nil {
		if _, ok := tool.AsToolError(err); ok {
			return Artifact{}, err
		}
		return Artifact{}, tool.NewError(tool.ToolErrorCodeResolveTransient, "fetch "+key, true, err)
	}
	return Artifact{
		Location:  entry.Key,
		Bytes:     entry.Bytes,
		Digest:    entry.Digest,
		Signature: entry.Signature,
		FromCache: hit,
	}, nil
}

// CacheKey normalizes an artifact URL to its cache key.
func CacheKey(location string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", tool.NewError(tool.ToolErrorCodeResolveFatal, "invalid artifact url", false, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", tool.Fatal(tool.ToolErrorCodeResolveFatal, "unsupported artifact url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", tool.Fatal(tool.ToolErrorCodeResolveFatal, "artifact url %q has no host", location)
	}
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	return parsed.String(), nil
}

func (s *HTTPSource) fetch(ctx context.Context, key string) (Fetched, error) {
	start := time.Now()
	data, err := s.get(ctx, key, true)
	if err != nil {
		return Fetched{}, err
	}

	var signature []byte
	if s.fetchSignatures {
		signature, err = s.get(ctx, key+SignatureSuffix, false)
		if err != nil {
			return Fetched{}, err
		}
	}

	s.logger.Debug("artifact fetched",
		"url", key,
		"bytes", len(data),
		"signed", len(signature) > 0,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Fetched{Bytes: data, Signature: signature}, nil
}

// get downloads target. When required is false a 404 yields nil bytes.
func (s *HTTPSource) get(ctx context.Context, target string, required bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, tool.NewError(tool.ToolErrorCodeResolveFatal, "build request", false, err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, tool.NewError(tool.ToolErrorCodeResolveTransient, "GET "+target, true, err)
	}
	defer resp.Body.Close()

	if !required && resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := classifyStatus(target, resp.StatusCode); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBytes+1))
	if err != nil {
		return nil, tool.NewError(tool.ToolErrorCodeResolveTransient, "read body of "+target, true, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, tool.Fatal(tool.ToolErrorCodeResolveFatal, "artifact %s exceeds %d bytes", target, s.maxBytes)
	}
	return data, nil
}

func classifyStatus(target string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return tool.WithDetails(
			tool.NewError(tool.ToolErrorCodeResolveTransient, fmt.Sprintf("GET %s: status %d", target, status), true, nil),
			map[string]any{"status": status},
		)
	default:
		return tool.WithDetails(
			tool.Fatal(tool.ToolErrorCodeResolveFatal, "GET %s: status %d", target, status),
			map[string]any{"status": status},
		)
	}
}

func newFetchClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
