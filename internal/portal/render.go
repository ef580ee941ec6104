package portal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"auditgate.org/internal/gateway"
)

// Field is one rendered key/value pair of a record.
type Field struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// RecordSummary is a list row. Ref addresses the row within the current list
// only; the stored identifier never leaves the gateway.
type RecordSummary struct {
	Ref    string `json:"ref"`
	Name   string `json:"name"`
	Date   string `json:"date,omitempty"`
	Status string `json:"status,omitempty"`
}

// RecordDetail is an expanded record.
type RecordDetail struct {
	Ref    string  `json:"ref"`
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// ModuleView is what the auditor sees for a selected module.
type ModuleView struct {
	Key         gateway.ModuleKey `json:"key"`
	Label       string            `json:"label"`
	Citation    string            `json:"citation"`
	Query       string            `json:"query,omitempty"`
	Records     []RecordSummary   `json:"records"`
	Truncated   bool              `json:"truncated"`
	Unavailable bool              `json:"unavailable"`
	Message     string            `json:"message,omitempty"`
	Expanded    *RecordDetail     `json:"expanded,omitempty"`
}

func refFor(i int) string { return "r" + strconv.Itoa(i+1) }

func recordByRef(l gateway.RecordList, ref string) (gateway.Record, bool) {
	if !strings.HasPrefix(ref, "r") {
		return nil, false
	}
	n, err := strconv.Atoi(ref[1:])
	if err != nil || n < 1 || n > len(l.Records) {
		return nil, false
	}
	return l.Records[n-1], true
}

// RenderModule builds the module view for a loaded snapshot.
func RenderModule(s Snapshot) ModuleView {
	m := s.List.Module
	if m.Key == "" {
		m, _ = gateway.LookupModule(s.Module)
	}
	v := ModuleView{
		Key:         m.Key,
		Label:       m.Label,
		Citation:    m.Citation,
		Query:       s.Query,
		Records:     make([]RecordSummary, 0, len(s.List.Records)),
		Truncated:   s.List.Truncated,
		Unavailable: s.List.Unavailable,
	}
	for i, r := range s.List.Records {
		v.Records = append(v.Records, Summarize(m, refFor(i), r))
	}
	switch {
	case s.List.Unavailable:
		v.Message = "No records available. The module could not be loaded."
	case len(v.Records) == 0 && s.Query != "":
		v.Message = fmt.Sprintf("No records match %q.", s.Query)
	case len(v.Records) == 0:
		v.Message = "No records."
	}
	if s.Expanded != "" {
		if r, ok := recordByRef(s.List, s.Expanded); ok {
			d := Detail(m, s.Expanded, r)
			v.Expanded = &d
		}
	}
	return v
}

// Summarize renders the list row for r. Name falls back to the ref when the
// module's name column is empty or denylisted.
func Summarize(m gateway.ModuleDescriptor, ref string, r gateway.Record) RecordSummary {
	return RecordSummary{
		Ref:    ref,
		Name:   displayName(m, ref, r),
		Date:   displayValue(m.DateField, r),
		Status: displayValue(m.StatusField, r),
	}
}

// Detail renders every non-hidden, non-empty field of r.
func Detail(m gateway.ModuleDescriptor, ref string, r gateway.Record) RecordDetail {
	return RecordDetail{Ref: ref, Name: displayName(m, ref, r), Fields: RenderFields(r)}
}

// RenderFields applies the denylist and empty filter and orders fields by key.
func RenderFields(r gateway.Record) []Field {
	clean := gateway.Sanitize(r)
	keys := make([]string, 0, len(clean))
	for k := range clean {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Field, 0, len(keys))
	for _, k := range keys {
		val := formatValue(clean[k])
		if val == "" {
			continue
		}
		out = append(out, Field{Key: k, Label: Label(k), Value: val})
	}
	return out
}

func displayName(m gateway.ModuleDescriptor, ref string, r gateway.Record) string {
	if name := displayValue(m.NameField, r); name != "" {
		return name
	}
	return "Record " + strings.TrimPrefix(ref, "r")
}

func displayValue(field string, r gateway.Record) string {
	if field == "" || gateway.Hidden(field) {
		return ""
	}
	v, ok := r[field]
	if !ok {
		return ""
	}
	return formatValue(v)
}

// Label turns a column name into a display label: "ncr_number" -> "NCR Number".
func Label(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		if up, ok := acronyms[strings.ToLower(p)]; ok {
			parts[i] = up
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return strings.Join(parts, " ")
}

var acronyms = map[string]string{
	"ncr": "NCR", "capa": "CAPA", "haccp": "HACCP", "ccp": "CCP", "sop": "SOP",
	"sqf": "SQF", "brcgs": "BRCGS", "url": "URL", "pdf": "PDF", "qa": "QA",
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(t)
		if ts, ok := (gateway.Record{"v": s}).Time("v"); ok && len(s) >= len("2006-01-02") {
			if len(s) == len("2006-01-02") {
				return ts.Format("Jan 2, 2006")
			}
			return ts.UTC().Format("Jan 2, 2006 15:04")
		}
		return s
	case bool:
		if t {
			return "Yes"
		}
		return "No"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.UTC().Format("Jan 2, 2006 15:04")
	case []any, map[string]any:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return fmt.Sprint(v)
}
