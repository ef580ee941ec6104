package portal

import (
	"fmt"
	"time"

	"auditgate.org/internal/gateway"
)

// ModuleLink is an entry of the overview's module list.
type ModuleLink struct {
	Key      gateway.ModuleKey `json:"key"`
	Label    string            `json:"label"`
	Citation string            `json:"citation"`
}

// Overview is the grant metadata and enabled modules shown after login.
type Overview struct {
	SessionName    string       `json:"session_name"`
	AuditType      string       `json:"audit_type"`
	AuditorName    string       `json:"auditor_name"`
	CertBody       string       `json:"certification_body,omitempty"`
	ValidFrom      time.Time    `json:"valid_from"`
	ValidUntil     time.Time    `json:"valid_until"`
	ExpiresIn      int64        `json:"expires_in"`
	ExpiresInText  string       `json:"expires_in_text"`
	AccessCount    int64        `json:"access_count"`
	LastAccessedAt *time.Time   `json:"last_accessed_at,omitempty"`
	Modules        []ModuleLink `json:"modules"`
	Security       ModuleLink   `json:"security"`
}

// BuildOverview renders g as of now. The security view is always listed.
func BuildOverview(g gateway.Grant, now time.Time) Overview {
	left := g.ValidUntil.Sub(now)
	if left < 0 {
		left = 0
	}
	o := Overview{
		SessionName:    g.SessionName,
		AuditType:      string(g.AuditType),
		AuditorName:    g.AuditorName,
		CertBody:       g.CertBody,
		ValidFrom:      g.ValidFrom,
		ValidUntil:     g.ValidUntil,
		ExpiresIn:      int64(left / time.Second),
		ExpiresInText:  Countdown(left),
		AccessCount:    g.AccessCount,
		LastAccessedAt: g.LastAccessedAt,
		Modules:        []ModuleLink{},
	}
	for _, m := range gateway.ResolveScopes(g) {
		o.Modules = append(o.Modules, ModuleLink{Key: m.Key, Label: m.Label, Citation: m.Citation})
	}
	sec, _ := gateway.LookupModule(gateway.ModuleSecurityControls)
	o.Security = ModuleLink{Key: sec.Key, Label: sec.Label, Citation: sec.Citation}
	return o
}

// Countdown formats the time left on a grant: "3d 4h", "5h 12m", "12m".
func Countdown(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	if d < time.Minute {
		return "less than a minute"
	}
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
