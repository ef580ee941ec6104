package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"auditgate.org/internal/auth"
	"auditgate.org/internal/gateway"
	"auditgate.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	return entry
}

func TestLogSessionFillsFromHandleClaims(t *testing.T) {
	buf := captureLog(t)
	expiry := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithHandle(ctx, auth.HandleClaims{
		GrantID:        "grant-7",
		OrganizationID: "org-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "portal-42",
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	})

	LogSession(ctx, SessionClosed, Session{})

	entry := decodeLine(t, buf)
	want := map[string]any{
		"type":              "session",
		"event":             "session.closed",
		"request_id":        "req-123",
		"portal_id":         "portal-42",
		"session_id":        "grant-7",
		"organization_id":   "org-1",
		"handle_expires_at": "2025-03-15T12:00:00Z",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogSessionExplicitFieldsWin(t *testing.T) {
	buf := captureLog(t)
	ctx := auth.ContextWithHandle(context.Background(), auth.HandleClaims{GrantID: "stale-grant"})

	g := gateway.Grant{ID: "grant-9", OrganizationID: "org-2"}
	LogSession(ctx, SessionOpened, SessionFromGrant("portal-1", g, time.Time{}))

	entry := decodeLine(t, buf)
	if entry["session_id"] != "grant-9" || entry["organization_id"] != "org-2" {
		t.Fatalf("explicit grant overridden: %v", entry)
	}
	if entry["outcome"] != string(gateway.OutcomeValid) {
		t.Fatalf("unexpected outcome: %v", entry["outcome"])
	}
	if _, ok := entry["handle_expires_at"]; ok {
		t.Fatalf("zero expiry must be omitted: %v", entry)
	}
}

func TestLogSessionRefusalCarriesOutcome(t *testing.T) {
	buf := captureLog(t)

	res := gateway.ValidationResult{Outcome: gateway.OutcomeRevoked, Reason: "engagement ended"}
	LogSession(context.Background(), SessionRefused, SessionFromResult("portal-3", res))

	entry := decodeLine(t, buf)
	if entry["event"] != "session.refused" || entry["outcome"] != "revoked" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["reason"] != "engagement ended" {
		t.Fatalf("unexpected reason: %v", entry["reason"])
	}
	if _, ok := entry["session_id"]; ok {
		t.Fatalf("refusal has no grant: %v", entry)
	}

	buf.Reset()
	LogSession(context.Background(), SessionRefused, SessionFromResult("portal-4", gateway.ValidationResult{}))
	if entry := decodeLine(t, buf); entry["outcome"] != string(gateway.OutcomeInvalid) {
		t.Fatalf("empty outcome should read as invalid: %v", entry)
	}
}
