package portal

import "auditgate.org/internal/gateway"

// SecuritySection is one block of the security controls page.
type SecuritySection struct {
	Heading string   `json:"heading"`
	Items   []string `json:"items"`
}

// SecurityInfo is the static security posture statement.
type SecurityInfo struct {
	Label    string            `json:"label"`
	Citation string            `json:"citation"`
	Sections []SecuritySection `json:"sections"`
}

var securitySections = []SecuritySection{
	{Heading: "Hosting", Items: []string{
		"Data is hosted on managed infrastructure with encrypted storage and automated backups.",
		"Production databases are not reachable from the public internet.",
	}},
	{Heading: "Encryption", Items: []string{
		"All traffic is served over TLS 1.2 or later.",
		"Data at rest is encrypted with AES-256.",
	}},
	{Heading: "Access control", Items: []string{
		"Auditor access is granted per engagement, limited to a time window and to the modules selected by the organization.",
		"Auditor access is read-only. No record can be created, changed or deleted through this portal.",
		"Every login, module view and record view is written to an immutable access log reviewed by the organization.",
		"Access can be revoked by the organization at any time and takes effect on the next request.",
	}},
	{Heading: "Tenant isolation", Items: []string{
		"Every query is restricted to the organization that issued the access grant.",
	}},
}

// Security returns the static security controls content.
func Security() SecurityInfo {
	m, _ := gateway.LookupModule(gateway.ModuleSecurityControls)
	sections := make([]SecuritySection, len(securitySections))
	for i, s := range securitySections {
		sections[i] = SecuritySection{Heading: s.Heading, Items: append([]string(nil), s.Items...)}
	}
	return SecurityInfo{Label: m.Label, Citation: m.Citation, Sections: sections}
}
