package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

// TokenConfig holds access-token signing configuration.
type TokenConfig struct {
	Secret string
	Alg    string // HS256/HS384/HS512
	TTL    time.Duration
}

// Claims carried by an access token. The subject is the identity's
// external_id.
type Claims struct {
	Role     string         `json:"role"`
	Claims   map[string]any `json:"claims,omitempty"`
	TenantID *string        `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// MintAccessToken issues a short-lived signed token for an identity.
func MintAccessToken(cfg TokenConfig, ident *model.Identity, now time.Time) (string, error) {
	method := jwt.GetSigningMethod(cfg.Alg)
	if method == nil {
		return "", apperr.Newf(apperr.Internal, "unknown signing algorithm %q", cfg.Alg)
	}
	claims := Claims{
		Role:   ident.Role,
		Claims: ident.Claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.ExternalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.TTL)),
		},
	}
	if ident.TenantID != nil {
		t := ident.TenantID.String()
		claims.TenantID = &t
	}
	tok := jwt.NewWithClaims(method, claims)
	signed, err := tok.SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "sign access token", err)
	}
	return signed, nil
}

// ParseAccessToken verifies signature and expiry and returns the claims.
// Only HMAC methods are accepted; anything else is Unauthenticated.
func ParseAccessToken(cfg TokenConfig, token string) (*Claims, error) {
	claims := &Claims{}
	t, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil || !t.Valid {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid token", err)
	}
	if claims.Subject == "" {
		return nil, apperr.New(apperr.Unauthenticated, "token missing subject")
	}
	return claims, nil
}

// HashCredential is the one-way hash applied to API keys and refresh
// tokens before storage. Only hashes ever touch the database.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewOpaqueToken returns a URL-safe random token with 256 bits of
// entropy, plus its storage hash.
func NewOpaqueToken(prefix string) (plaintext, hash string) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the process cannot do anything
		// credential-related safely.
		panic(err)
	}
	plaintext = prefix + hex.EncodeToString(buf)
	return plaintext, HashCredential(plaintext)
}
