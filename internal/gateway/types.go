package gateway

import (
	"fmt"
	"strings"
	"time"
)

// AuditType classifies the engagement a grant was issued for.
type AuditType string

const (
	AuditSQF        AuditType = "sqf"
	AuditBRCGS      AuditType = "brcgs"
	AuditFSSC       AuditType = "fssc"
	AuditInternal   AuditType = "internal"
	AuditRegulatory AuditType = "regulatory"
	AuditCustomer   AuditType = "customer"
	AuditOther      AuditType = "other"
)

// ParseAuditType normalizes s and rejects values outside the enum.
func ParseAuditType(s string) (AuditType, error) {
	t := AuditType(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case AuditSQF, AuditBRCGS, AuditFSSC, AuditInternal, AuditRegulatory, AuditCustomer, AuditOther:
		return t, nil
	case "":
		return AuditOther, nil
	}
	return "", fmt.Errorf("%w: unsupported audit type %q", ErrInvalidInput, s)
}

// Status is the stored lifecycle of a grant. "Not yet active" is derived from
// ValidFrom and never stored.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// Grant is the access-grant ("audit session") record behind a bearer token.
type Grant struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	AccessToken    string     `json:"-"`
	SessionName    string     `json:"session_name"`
	AuditType      AuditType  `json:"audit_type"`
	CertBody       string     `json:"certification_body,omitempty"`
	AuditorName    string     `json:"auditor_name"`
	AuditorEmail   string     `json:"auditor_email,omitempty"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     time.Time  `json:"valid_until"`
	Status         Status     `json:"status"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokeReason   string     `json:"revoke_reason,omitempty"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// Scopes is keyed by scope flag name (see ModuleDescriptor.ScopeFlag).
	Scopes map[string]bool `json:"scopes"`
}

// Revoked reports whether the grant was ever revoked.
func (g Grant) Revoked() bool {
	return g.RevokedAt != nil || g.Status == StatusRevoked
}

// HasScope reports whether the named scope flag is set.
func (g Grant) HasScope(flag string) bool {
	return g.Scopes[flag]
}

// Action is what an access log entry records.
type Action string

const (
	ActionLogin      Action = "login"
	ActionViewModule Action = "view_module"
	ActionViewRecord Action = "view_record"
)

// LogEntry is one immutable row of the access trail.
type LogEntry struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	OrganizationID string    `json:"organization_id"`
	Module         string    `json:"module,omitempty"`
	Action         Action    `json:"action"`
	ResourceID     string    `json:"resource_id,omitempty"`
	ResourceType   string    `json:"resource_type,omitempty"`
	ResourceName   string    `json:"resource_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewLogEntry starts an entry attributed to g.
func NewLogEntry(g Grant, module string, action Action) LogEntry {
	return LogEntry{
		SessionID:      g.ID,
		OrganizationID: g.OrganizationID,
		Module:         module,
		Action:         action,
	}
}

// Record is one row of a business-module table, keyed by column name.
type Record map[string]any

// ID returns the row identifier as a string, or "" when absent.
func (r Record) ID() string { return r.str("id") }

// OrganizationID returns the owning tenant of the row.
func (r Record) OrganizationID() string { return r.str("organization_id") }

// Field returns the named column rendered as a string.
func (r Record) Field(name string) string { return r.str(name) }

func (r Record) str(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// Time parses the named column as a timestamp. to_jsonb renders plain
// timestamp columns without a zone suffix, so both forms are accepted.
func (r Record) Time(name string) (time.Time, bool) {
	switch v := r[name].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}
