package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"pseudomat.org/internal/auth"
	"pseudomat.org/internal/ids"
	"pseudomat.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Registry events.
const (
	EventProjectCreated  = "project.created"
	EventProjectDeleted  = "project.deleted"
	EventProjectVerified = "project.verified"
	EventInviteCreated   = "invite.created"
	EventInviteDeleted   = "invite.deleted"
	EventInviteAccepted  = "invite.accepted"
	EventInviteRevoked   = "invite.revoked"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with the request id and the
// id of the record whose key authorized the call.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"event":    event,
		"event_id": ids.New(),
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if owner, ok := auth.OwnerFromContext(ctx); ok {
		entry["owner_id"] = owner
	}
	if len(fields) > 0 {
		entry["fields"] = obs.Redact(fields)
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
