package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is loaded once at startup from the environment. Defaults suit
// local development; production deployments set everything explicitly.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL string
	RedisURL    string

	JWTSecret      string
	JWTAlg         string
	AccessTokenTTL time.Duration
	RefreshTTLDays int

	APIKeyPrefix string

	EmbeddingURL    string
	EmbeddingAPIKey string
	EmbeddingModel  string
	EmbeddingDim    int

	WebhookMaxAttempts int
	WebhookTimeout     time.Duration

	CORSOrigins []string

	// RateLimitOverrides maps endpoint class -> "limit/window_seconds",
	// e.g. "memory=500/60,default=100/60".
	RateLimitOverrides map[string]string
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Load reads configuration from the environment.
func Load() Config {
	cfg := Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8080"),

		DatabaseURL: env("DATABASE_URL", ""),
		RedisURL:    env("REDIS_URL", ""),

		JWTSecret:      env("JWT_SECRET", "dev-secret-change-in-production"),
		JWTAlg:         env("JWT_ALG", "HS256"),
		AccessTokenTTL: envDuration("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTTLDays: envInt("REFRESH_TTL_DAYS", 30),

		APIKeyPrefix: env("API_KEY_PREFIX", "mk_"),

		EmbeddingURL:    env("EMBEDDING_URL", ""),
		EmbeddingAPIKey: env("EMBEDDING_API_KEY", ""),
		EmbeddingModel:  env("EMBEDDING_MODEL", "all-MiniLM-L6-v2"),
		EmbeddingDim:    envInt("EMBEDDING_DIM", 384),

		WebhookMaxAttempts: envInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookTimeout:     envDuration("WEBHOOK_TIMEOUT", 30*time.Second),

		RateLimitOverrides: map[string]string{},
	}

	if v := env("CORS_ORIGINS", "*"); v != "" {
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if v := os.Getenv("RATE_LIMIT_OVERRIDES"); v != "" {
		for _, pair := range strings.Split(v, ",") {
			k, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok {
				cfg.RateLimitOverrides[k] = val
			}
		}
	}

	return cfg
}
