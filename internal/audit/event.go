// Package audit buffers security-relevant events, persists them in batches
// and derives security alerts from them.
package audit

import (
	"context"
	"strings"
	"time"
)

// Result is the outcome recorded on an event.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultError   Result = "error"
)

// Event types emitted by the service.
const (
	EventAuthFailure     = "auth_failure"
	EventTokenIssued     = "token_issued"
	EventTokenRefreshed  = "token_refreshed"
	EventTokenRevoked    = "token_revoked"
	EventTokenReplay     = "token_replay_detected"
	EventAPIKeyCreated   = "api_key_created"
	EventAPIKeyRotated   = "api_key_rotated"
	EventAPIKeyRevoked   = "api_key_revoked"
	EventAPIKeyUsed      = "api_key_used"
	EventAPIRequest      = "api_request"
	EventAlertResolved   = "security_alert_resolved"
	EventRateLimited     = "rate_limited"
	EventPermissionCheck = "permission_denied"
)

// Event is one security-relevant occurrence. ID and Timestamp are assigned
// by the pipeline.
type Event struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action"`
	Result    Result         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Logger accepts events. Implementations must not fail the caller.
type Logger interface {
	Log(ctx context.Context, e Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(context.Context, Event) {}

// RequestInfo is the client context stamped onto events.
type RequestInfo struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type requestInfoKey struct{}

// WithRequestInfo attaches client details for later events.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	info.RequestID = strings.TrimSpace(info.RequestID)
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the attached client details, if any.
func RequestInfoFrom(ctx context.Context) (RequestInfo, bool) {
	if ctx == nil {
		return RequestInfo{}, false
	}
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// NewEvent builds an event carrying the request details found in ctx.
func NewEvent(ctx context.Context, eventType, action string, result Result) Event {
	e := Event{EventType: eventType, Action: action, Result: result}
	if info, ok := RequestInfoFrom(ctx); ok {
		e.IPAddress = info.IPAddress
		e.UserAgent = info.UserAgent
		if info.RequestID != "" {
			e.Metadata = map[string]any{"request_id": info.RequestID}
		}
	}
	return e
}

// With returns a copy of e with key set in its metadata.
func (e Event) With(key string, value any) Event {
	meta := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

func (e Event) sanitized() Event {
	e.EventType = SanitizeText(e.EventType)
	e.UserID = SanitizeText(e.UserID)
	e.IPAddress = SanitizeText(e.IPAddress)
	e.UserAgent = SanitizeText(e.UserAgent)
	e.Resource = SanitizeText(e.Resource)
	e.Action = SanitizeText(e.Action)
	return e
}
