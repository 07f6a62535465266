package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"sentra.dev/internal/obs"
	"sentra.dev/internal/session"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
// Credential material never belongs in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if claims, ok := session.ClaimsFromContext(ctx); ok {
		entry["subject"] = claims.Subject
		entry["username"] = claims.Username
	}
	if len(fields) > 0 {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		entry["fields"] = copied
	}
	obs.LogEvent(entry)
	return nil
}
