// Package tenant defines the multi-tenant envelope that accompanies every
// tool invocation.
package tenant

import (
	"encoding/json"
	"strings"
	"time"
)

// Context identifies the caller of a tool invocation. It is passed by value
// through the whole pipeline. Only the retry loop derives a copy with a
// higher Attempt; nothing else changes it.
type Context struct {
	Env            string    `json:"env"`
	Tenant         string    `json:"tenant"`
	Team           string    `json:"team,omitempty"`
	User           string    `json:"user,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Deadline       time.Time `json:"deadline,omitempty"`
	Attempt        int       `json:"attempt"`
}

// Default is used when a request carries no tenant context.
func Default() Context {
	return Context{Env: "local", Tenant: "default"}
}

// Normalize trims identifiers and fills the env/tenant defaults.
func (c Context) Normalize() Context {
	c.Env = strings.TrimSpace(c.Env)
	c.Tenant = strings.TrimSpace(c.Tenant)
	c.Team = strings.TrimSpace(c.Team)
	c.User = strings.TrimSpace(c.User)
	if c.Env == "" {
		c.Env = "local"
	}
	if c.Tenant == "" {
		c.Tenant = "default"
	}
	if c.Attempt < 0 {
		c.Attempt = 0
	}
	return c
}

// NextAttempt returns a copy with the attempt counter advanced by one.
func (c Context) NextAttempt() Context {
	c.Attempt++
	return c
}

// Namespace scopes a key to the tenant's environment. Secret and
// key-value lookups are always made through a namespaced key.
func (c Context) Namespace(parts ...string) string {
	segments := make([]string, 0, len(parts)+2)
	segments = append(segments, c.Env, c.Tenant)
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			segments = append(segments, part)
		}
	}
	return strings.Join(segments, "/")
}

// EffectiveDeadline returns the tighter of the context deadline and
// now+timeout. A zero timeout and zero deadline mean no deadline.
func (c Context) EffectiveDeadline(now time.Time, timeout time.Duration) (time.Time, bool) {
	var deadline time.Time
	if timeout > 0 {
		deadline = now.Add(timeout)
	}
	if !c.Deadline.IsZero() && (deadline.IsZero() || c.Deadline.Before(deadline)) {
		deadline = c.Deadline
	}
	return deadline, !deadline.IsZero()
}

// MarshalGuest encodes the context in the shape handed to guests through
// the tenant_context host import.
func (c Context) MarshalGuest() ([]byte, error) {
	type guestView struct {
		Env            string `json:"env"`
		Tenant         string `json:"tenant"`
		Team           string `json:"team,omitempty"`
		User           string `json:"user,omitempty"`
		TraceID        string `json:"trace_id,omitempty"`
		CorrelationID  string `json:"correlation_id,omitempty"`
		IdempotencyKey string `json:"idempotency_key,omitempty"`
		DeadlineUnixMS int64  `json:"deadline_unix_ms,omitempty"`
		Attempt        int    `json:"attempt"`
	}
	view := guestView{
		Env:            c.Env,
		Tenant:         c.Tenant,
		Team:           c.Team,
		User:           c.User,
		TraceID:        c.TraceID,
		CorrelationID:  c.CorrelationID,
		IdempotencyKey: c.IdempotencyKey,
		Attempt:        c.Attempt,
	}
	if !c.Deadline.IsZero() {
		view.DeadlineUnixMS = c.Deadline.UnixMilli()
	}
	return json.Marshal(view)
}
