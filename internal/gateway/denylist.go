package gateway

import (
	"encoding/json"
	"strings"
)

// hiddenFields never leave the gateway, whatever the module.
var hiddenFields = map[string]struct{}{
	"id":              {},
	"organization_id": {},
	"user_id":         {},
	"employee_id":     {},
	"created_by":      {},
	"updated_by":      {},
	"pin":             {},
	"pin_code":        {},
	"pin_hash":        {},
	"password":        {},
	"password_hash":   {},
	"access_token":    {},
	"refresh_token":   {},
	"token":           {},
	"api_key":         {},
	"secret":          {},
}

// Hidden reports whether a field name is on the denylist.
func Hidden(field string) bool {
	_, ok := hiddenFields[strings.ToLower(field)]
	return ok
}

// Sanitize copies r without denylisted fields and without null or empty values.
func Sanitize(r Record) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if Hidden(k) || empty(v) {
			continue
		}
		out[k] = v
	}
	return out
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// Matches reports whether the sanitized, serialized record contains query,
// ignoring case. An empty query matches everything. Hidden fields are not
// searchable so a query cannot probe their contents.
func Matches(r Record, query string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}
	data, err := json.Marshal(Sanitize(r))
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), strings.ToLower(query))
}
