package hostimport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPRequest is the guest's http_request payload.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// BodyBase64 carries binary bodies and takes precedence over Body.
	BodyBase64 string `json:"body_base64,omitempty"`
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

func (s *Session) httpRequest(ctx context.Context, payload []byte) Result {
	cfg := s.bridge.cfg
	if !cfg.HTTPEnabled {
		return s.deny(ImportHTTPRequest, CodeHTTPDisabled, "outbound http is disabled")
	}

	var req HTTPRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResult(CodeInvalidRequest, "decode http request: "+err.Error())
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return errorResult(CodeInvalidMethod, "method "+req.Method+" is not allowed")
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return errorResult(CodeInvalidRequest, "url must be absolute http(s)")
	}
	if !hostAllowed(cfg.AllowedHosts, target.Hostname()) {
		return s.deny(ImportHTTPRequest, CodeHostDenied, "host "+target.Hostname()+" is not allowed")
	}

	var body io.Reader
	switch {
	case req.BodyBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(req.BodyBase64)
		if err != nil {
			return errorResult(CodeInvalidRequest, "decode body_base64: "+err.Error())
		}
		body = bytes.NewReader(raw)
	case req.Body != "":
		body = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return errorResult(CodeInvalidRequest, err.Error())
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}
	httpReq.Header.Set("X-Petal-Tenant", s.tenant.Tenant)
	httpReq.Header.Set("X-Petal-Env", s.tenant.Env)
	if s.tenant.TraceID != "" {
		httpReq.Header.Set("X-Petal-Trace-Id", s.tenant.TraceID)
	}
	if s.tenant.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", s.tenant.IdempotencyKey)
	}

	resp, err := cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return errorResult(CodeTransport, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBytes))
	if err != nil {
		return errorResult(CodeTransport, "read response: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorResult(fmt.Sprintf("status-%d", resp.StatusCode), strings.TrimSpace(string(data)))
	}
	return Result{Status: StatusOK, Body: data}
}

func hostAllowed(allowed []string, host string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		switch {
		case candidate == host:
			return true
		case strings.HasPrefix(candidate, "*.") && strings.HasSuffix(host, candidate[1:]):
			return true
		}
	}
	return false
}
