package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"ENV", "HTTP_ADDR", "ACCESS_TOKEN_TTL", "REFRESH_TTL_DAYS", "API_KEY_PREFIX", "EMBEDDING_DIM", "CORS_ORIGINS", "RATE_LIMIT_OVERRIDES"} {
		t.Setenv(k, "")
	}
	cfg := Load()

	if cfg.Env != "dev" {
		t.Errorf("Env = %q, want dev", cfg.Env)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Errorf("AccessTokenTTL = %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTTLDays != 30 {
		t.Errorf("RefreshTTLDays = %d", cfg.RefreshTTLDays)
	}
	if cfg.APIKeyPrefix != "mk_" {
		t.Errorf("APIKeyPrefix = %q", cfg.APIKeyPrefix)
	}
	if cfg.EmbeddingDim != 384 {
		t.Errorf("EmbeddingDim = %d", cfg.EmbeddingDim)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("REFRESH_TTL_DAYS", "7")
	t.Setenv("EMBEDDING_DIM", "768")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RATE_LIMIT_OVERRIDES", "memory=500/60, default=50/30")

	cfg := Load()

	if cfg.Env != "prod" {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.AccessTokenTTL != 5*time.Minute {
		t.Errorf("AccessTokenTTL = %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTTLDays != 7 {
		t.Errorf("RefreshTTLDays = %d", cfg.RefreshTTLDays)
	}
	if cfg.EmbeddingDim != 768 {
		t.Errorf("EmbeddingDim = %d", cfg.EmbeddingDim)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.RateLimitOverrides["memory"] != "500/60" {
		t.Errorf("overrides = %v", cfg.RateLimitOverrides)
	}
	if cfg.RateLimitOverrides["default"] != "50/30" {
		t.Errorf("overrides = %v", cfg.RateLimitOverrides)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("REFRESH_TTL_DAYS", "not-a-number")
	t.Setenv("ACCESS_TOKEN_TTL", "soon")

	cfg := Load()
	if cfg.RefreshTTLDays != 30 {
		t.Errorf("RefreshTTLDays = %d, want default 30", cfg.RefreshTTLDays)
	}
	if cfg.AccessTokenTTL != 15*time.Minute {
		t.Errorf("AccessTokenTTL = %v, want default", cfg.AccessTokenTTL)
	}
}
