package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"auditgate.org/internal/auth"
	"auditgate.org/internal/gateway"
	"auditgate.org/internal/obs"
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

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// SessionEvent names a portal lifecycle step.
type SessionEvent string

const (
	SessionOpened  SessionEvent = "session.opened"
	SessionRefused SessionEvent = "session.refused"
	SessionClosed  SessionEvent = "session.closed"
	SessionEnded   SessionEvent = "session.ended"
)

// Session describes the portal a lifecycle line is about. Empty fields are
// filled from the handle claims on the context.
type Session struct {
	PortalID       string
	GrantID        string
	OrganizationID string
	Outcome        gateway.Outcome
	Reason         string
	HandleExpiry   time.Time
}

// SessionFromGrant describes a portal that has just passed the handshake.
func SessionFromGrant(portalID string, g gateway.Grant, expiry time.Time) Session {
	return Session{
		PortalID:       portalID,
		GrantID:        g.ID,
		OrganizationID: g.OrganizationID,
		Outcome:        gateway.OutcomeValid,
		HandleExpiry:   expiry,
	}
}

// SessionFromResult describes a handshake or recheck that did not admit the
// auditor. The token is never part of the line.
func SessionFromResult(portalID string, res gateway.ValidationResult) Session {
	s := Session{PortalID: portalID, Outcome: res.Outcome, Reason: res.Reason}
	if s.Outcome == "" {
		s.Outcome = gateway.OutcomeInvalid
	}
	return s
}

// LogSession writes one operator line for a portal lifecycle step. The
// access trail stays the record of what the auditor saw.
func LogSession(ctx context.Context, ev SessionEvent, s Session) {
	if claims, ok := auth.HandleFromContext(ctx); ok {
		if s.PortalID == "" {
			s.PortalID = claims.Subject
		}
		if s.GrantID == "" {
			s.GrantID = claims.GrantID
		}
		if s.OrganizationID == "" {
			s.OrganizationID = claims.OrganizationID
		}
		if s.HandleExpiry.IsZero() && claims.ExpiresAt != nil {
			s.HandleExpiry = claims.ExpiresAt.Time
		}
	}

	line := map[string]any{"outcome": string(s.Outcome)}
	if s.Reason != "" {
		line["reason"] = s.Reason
	}
	if !s.HandleExpiry.IsZero() {
		line["handle_expires_at"] = s.HandleExpiry.UTC().Format(time.RFC3339)
	}
	writeLine(ctx, "session", string(ev), s, line)
}

// mirrorAccess echoes an access trail entry as an operator line. The entry
// itself names its grant and organization; the handle only adds the portal.
func mirrorAccess(ctx context.Context, entry gateway.LogEntry) {
	s := Session{GrantID: entry.SessionID, OrganizationID: entry.OrganizationID}
	if claims, ok := auth.HandleFromContext(ctx); ok {
		s.PortalID = claims.Subject
	}
	writeLine(ctx, "audit", "access."+string(entry.Action), s, map[string]any{
		"entry_id":      entry.ID,
		"module":        entry.Module,
		"resource_id":   entry.ResourceID,
		"resource_type": entry.ResourceType,
	})
}

func writeLine(ctx context.Context, typ, event string, s Session, extra map[string]any) {
	line := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  typ,
		"event": event,
	}
	put := func(k, v string) {
		if v != "" {
			line[k] = v
		}
	}
	put("request_id", requestIDFromContext(ctx))
	put("portal_id", s.PortalID)
	put("session_id", s.GrantID)
	put("organization_id", s.OrganizationID)
	for k, v := range extra {
		if str, ok := v.(string); ok {
			put(k, str)
			continue
		}
		line[k] = v
	}

	data, err := json.Marshal(line)
	if err != nil {
		obs.Warn("audit line encode failed", map[string]any{"event": event, "err": err})
		return
	}
	obs.Logger().Println(string(data))
}
