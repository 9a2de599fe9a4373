package server

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestJWKS(t *testing.T, dir string) *JWKSManager {
	t.Helper()
	m, err := NewJWKSManager(dir, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewJWKSManager: %v", err)
	}
	return m
}

func TestIDTokenClaims(t *testing.T) {
	keys := newTestJWKS(t, "")
	issuer := NewIDTokenIssuer(keys, "https://mock.example", "https://mock.example/fhir/", time.Hour)
	fixed := time.Unix(1700000000, 0)
	issuer.now = func() time.Time { return fixed }

	tests := []struct {
		name         string
		reference    string
		nonce        string
		wantSub      string
		wantFHIRUser string
	}{
		{"practitioner", "Practitioner/123", "abc", "Practitioner/123", "https://mock.example/fhir/Practitioner/123"},
		{"leading_slash", "/Patient/9", "", "/Patient/9", "https://mock.example/fhir/Patient/9"},
		{"no_reference", "", "", "app", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := issuer.Issue("app", tt.reference, tt.nonce)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return fixed }))
			if _, err := parser.ParseWithClaims(signed, claims, keys.Keyfunc); err != nil {
				t.Fatalf("verify: %v", err)
			}
			if claims["sub"] != tt.wantSub {
				t.Fatalf("sub = %v, want %s", claims["sub"], tt.wantSub)
			}
			if got, _ := claims["fhirUser"].(string); got != tt.wantFHIRUser {
				t.Fatalf("fhirUser = %q, want %q", got, tt.wantFHIRUser)
			}
			if got, _ := claims["nonce"].(string); got != tt.nonce {
				t.Fatalf("nonce = %q, want %q", got, tt.nonce)
			}
			if exp, _ := claims["exp"].(float64); int64(exp) != fixed.Add(time.Hour).Unix() {
				t.Fatalf("exp = %v", claims["exp"])
			}
		})
	}
}

func TestJWKSRotationKeepsPreviousKey(t *testing.T) {
	keys := newTestJWKS(t, "")
	before, _, err := keys.Sign(jwt.MapClaims{"sub": "x"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := keys.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := jwt.Parse(before, keys.Keyfunc); err != nil {
		t.Fatalf("token signed before rotation no longer verifies: %v", err)
	}
	if n := len(keys.PublicJWKS().Keys); n != 2 {
		t.Fatalf("expected current and previous key, got %d", n)
	}

	if err := keys.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := jwt.Parse(before, keys.Keyfunc); err == nil {
		t.Fatalf("key two rotations old should be retired")
	}
}

func TestJWKSPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first := newTestJWKS(t, dir)
	signed, kid, err := first.Sign(jwt.MapClaims{"sub": "x"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "jwks.json")); err != nil {
		t.Fatalf("jwks not persisted: %v", err)
	}

	second := newTestJWKS(t, dir)
	if got := second.PublicJWKS().Keys[0].KeyID; got != kid {
		t.Fatalf("reloaded kid = %q, want %q", got, kid)
	}
	if _, err := jwt.Parse(signed, second.Keyfunc); err != nil {
		t.Fatalf("token does not verify after reload: %v", err)
	}
}
