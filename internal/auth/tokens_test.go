package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{Secret: "test-secret", Alg: "HS256", TTL: 15 * time.Minute}
}

func testIdentity() *model.Identity {
	tenant := uuid.New()
	return &model.Identity{
		ID:         uuid.New(),
		ExternalID: "agent-007",
		Role:       model.RoleUser,
		Claims:     map[string]any{"team": "research"},
		IsActive:   true,
		TenantID:   &tenant,
	}
}

func TestMintAndParseAccessToken(t *testing.T) {
	cfg := testTokenConfig()
	ident := testIdentity()

	tok, err := MintAccessToken(cfg, ident, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := ParseAccessToken(cfg, tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "agent-007" {
		t.Errorf("subject = %q, want agent-007", claims.Subject)
	}
	if claims.Role != model.RoleUser {
		t.Errorf("role = %q, want %q", claims.Role, model.RoleUser)
	}
	if claims.TenantID == nil || *claims.TenantID != ident.TenantID.String() {
		t.Errorf("tenant claim = %v, want %s", claims.TenantID, ident.TenantID)
	}
	if claims.Claims["team"] != "research" {
		t.Errorf("claims = %v", claims.Claims)
	}
}

func TestParseAccessTokenWrongSecret(t *testing.T) {
	cfg := testTokenConfig()
	tok, err := MintAccessToken(cfg, testIdentity(), time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	other := cfg
	other.Secret = "different-secret"
	if _, err := ParseAccessToken(other, tok); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestParseAccessTokenExpired(t *testing.T) {
	cfg := testTokenConfig()
	tok, err := MintAccessToken(cfg, testIdentity(), time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := ParseAccessToken(cfg, tok); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for expired token, got %v", err)
	}
}

func TestParseAccessTokenGarbage(t *testing.T) {
	if _, err := ParseAccessToken(testTokenConfig(), "not.a.jwt"); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestMintUnknownAlgorithm(t *testing.T) {
	cfg := testTokenConfig()
	cfg.Alg = "XS999"
	if _, err := MintAccessToken(cfg, testIdentity(), time.Now().UTC()); err == nil {
		t.Fatal("expected error for unknown signing algorithm")
	}
}

func TestNewOpaqueToken(t *testing.T) {
	plain, hash := NewOpaqueToken("mk_")
	if !strings.HasPrefix(plain, "mk_") {
		t.Errorf("token %q missing prefix", plain)
	}
	if hash != HashCredential(plain) {
		t.Error("returned hash does not match HashCredential of plaintext")
	}

	plain2, _ := NewOpaqueToken("mk_")
	if plain == plain2 {
		t.Error("two tokens were identical")
	}
}
