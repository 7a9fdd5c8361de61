package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/petalexec/engine"
	"github.com/petal-labs/petalexec/loader"
	"github.com/petal-labs/petalexec/tenant"
	"github.com/petal-labs/petalexec/tool"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tools":  s.engine.Registry().Len(),
	})
}

// ToolResponse is the API form of a registry entry.
type ToolResponse struct {
	Name           string `json:"name"`
	Component      string `json:"component"`
	Entry          string `json:"entry"`
	TimeoutMS      int64  `json:"timeout_ms"`
	MaxRetries     int    `json:"max_retries"`
	RetryBackoffMS int64  `json:"retry_backoff_ms"`
	Digest         string `json:"digest,omitempty"`
	Description    string `json:"description,omitempty"`
}

func toolResponse(entry tool.Entry) ToolResponse {
	return ToolResponse{
		Name:           entry.Name,
		Component:      entry.Component,
		Entry:          entry.Entry,
		TimeoutMS:      entry.Timeout.Milliseconds(),
		MaxRetries:     entry.MaxRetries,
		RetryBackoffMS: entry.RetryBackoff.Milliseconds(),
		Digest:         entry.Digest,
		Description:    entry.Description,
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	entries := s.engine.Registry().List()
	out := make([]ToolResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, toolResponse(entry))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.Registry().Lookup(r.PathValue("name"))
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolResponse(entry))
}

// handleRegisterTool adds the entries of a registry document (a "tools"
// object or a bare list). Existing entries are never replaced; nothing is
// added unless every entry is accepted.
func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "PARSE_ERROR", err.Error())
		return
	}
	entries, err := loader.ParseEntries(data, "request.json")
	if err != nil {
		var diagErr *loader.DiagnosticError
		if errors.As(err, &diagErr) {
			body := diagnosticsResponse{
				Error:       apiErrorBody{Code: "VALIDATION_ERROR", Message: diagErr.Error()},
				Diagnostics: diagErr.Diagnostics,
			}
			writeJSON(w, http.StatusBadRequest, body)
			return
		}
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "no tools in request")
		return
	}

	registry := s.engine.Registry()
	for _, entry := range entries {
		if _, err := registry.Lookup(entry.Name); err == nil {
			writeError(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("tool %q is already registered", entry.Name))
			return
		}
	}

	out := make([]ToolResponse, 0, len(entries))
	for _, entry := range entries {
		if err := registry.Add(entry); err != nil {
			writeError(w, http.StatusConflict, "CONFLICT", err.Error())
			return
		}
		stored, err := registry.Lookup(entry.Name)
		if err != nil {
			writeToolError(w, err)
			return
		}
		s.logger.Info("tool registered", "tool", stored.Name, "component", stored.Component)
		out = append(out, toolResponse(stored))
	}
	writeJSON(w, http.StatusCreated, out)
}

type diagnosticsResponse struct {
	Error       apiErrorBody        `json:"error"`
	Diagnostics []loader.Diagnostic `json:"diagnostics"`
}

func (s *Server) handleDescribeTool(w http.ResponseWriter, r *http.Request) {
	desc, err := s.engine.Describe(r.Context(), r.PathValue("name"))
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

// InvokeRequest is the body of POST /api/tools/{name}/invoke.
type InvokeRequest struct {
	Action       string          `json:"action,omitempty"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Tenant       *tenant.Context `json:"tenant,omitempty"`
	InvocationID string          `json:"invocation_id,omitempty"`
}

// AttemptResponse is the API form of one attempt record.
type AttemptResponse struct {
	Attempt    int    `json:"attempt"`
	State      string `json:"state"`
	Code       string `json:"code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// InvokeResponse is a successful invocation.
type InvokeResponse struct {
	InvocationID string            `json:"invocation_id"`
	Tool         string            `json:"tool"`
	Value        json.RawMessage   `json:"value"`
	Tier         string            `json:"tier"`
	Digest       string            `json:"digest"`
	Attempts     int               `json:"attempts"`
	Records      []AttemptResponse `json:"records"`
	DurationMS   int64             `json:"duration_ms"`
}

func invokeResponse(resp *engine.Response) InvokeResponse {
	records := make([]AttemptResponse, 0, len(resp.Records))
	for _, rec := range resp.Records {
		records = append(records, AttemptResponse{
			Attempt:    rec.Attempt,
			State:      string(rec.State),
			Code:       rec.Code,
			DurationMS: rec.Duration.Milliseconds(),
		})
	}
	return InvokeResponse{
		InvocationID: resp.InvocationID,
		Tool:         resp.Tool,
		Value:        resp.Value,
		Tier:         string(resp.Tier),
		Digest:       resp.Digest,
		Attempts:     resp.Attempts,
		Records:      records,
		DurationMS:   resp.Duration.Milliseconds(),
	}
}

// handleInvokeTool runs a call. With ?async=true it answers 202 right away
// and the caller follows /api/invocations/{id}/events.
func (s *Server) handleInvokeTool(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	call := engine.Request{
		Tool:         r.PathValue("name"),
		Action:       req.Action,
		Arguments:    req.Arguments,
		Tenant:       req.Tenant,
		InvocationID: strings.TrimSpace(req.InvocationID),
	}
	if call.InvocationID == "" {
		call.InvocationID = uuid.NewString()
	}

	if r.URL.Query().Get("async") == "true" {
		if _, err := s.engine.Registry().Lookup(call.Tool); err != nil {
			writeToolError(w, err)
			return
		}
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			if _, err := s.engine.Execute(s.baseCtx, call); err != nil {
				s.logger.Debug("background invocation failed", "invocation_id", call.InvocationID, "error", err)
			}
		}()
		w.Header().Set("Location", "/api/invocations/"+call.InvocationID)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"invocation_id": call.InvocationID,
			"events":        "/api/invocations/" + call.InvocationID + "/events",
		})
		return
	}

	resp, err := s.engine.Execute(r.Context(), call)
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse(resp))
}
