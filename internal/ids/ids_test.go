package ids

import (
	"encoding/base64"
	"testing"
)

func TestNewIsSortable(t *testing.T) {
	a := New()
	b := New()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("unexpected ulid length: %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected monotonic ids, got %q then %q", a, b)
	}
}

func TestSecretLength(t *testing.T) {
	s, err := Secret(24)
	if err != nil {
		t.Fatalf("Secret: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 24 {
		t.Fatalf("expected 24 bytes, got %d", len(raw))
	}
	other, _ := Secret(24)
	if other == s {
		t.Fatal("expected distinct secrets")
	}
}
