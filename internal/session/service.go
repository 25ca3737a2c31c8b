package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

// Store is the persistence surface the session service needs.
type Store interface {
	CreateSession(ctx context.Context, sess *model.Session) error
	SessionByTokenHash(ctx context.Context, hash string) (*model.Session, error)
	SessionByID(ctx context.Context, sc store.Scope, id uuid.UUID) (*model.Session, error)
	SessionsForIdentity(ctx context.Context, sc store.Scope, identityID uuid.UUID) ([]model.Session, error)
	TouchSession(ctx context.Context, id uuid.UUID) error
	RevokeSession(ctx context.Context, sc store.Scope, id uuid.UUID) error
	RevokeSessionsForIdentity(ctx context.Context, identityID uuid.UUID, except *uuid.UUID) (int64, error)
	DeactivateExpiredSessions(ctx context.Context) (int64, error)
	IdentityByID(ctx context.Context, sc store.Scope, id uuid.UUID) (*model.Identity, error)
}

// RequestMeta is the coarse request fingerprint captured at issue time.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Tokens is the triple returned by Issue and Refresh.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

// Service issues and resolves refresh sessions.
type Service struct {
	store  Store
	tokens auth.TokenConfig
	ttl    time.Duration
}

// New builds the service. refreshTTLDays bounds refresh-session lifetime.
func New(st Store, tokens auth.TokenConfig, refreshTTLDays int) *Service {
	return &Service{
		store:  st,
		tokens: tokens,
		ttl:    time.Duration(refreshTTLDays) * 24 * time.Hour,
	}
}

// Issue creates a refresh session and mints an access token. The refresh
// token is opaque with 256 bits of entropy; only its hash is stored.
func (s *Service) Issue(ctx context.Context, ident *model.Identity, meta RequestMeta) (*Tokens, *model.Session, error) {
	now := time.Now().UTC()

	refresh, hash := auth.NewOpaqueToken("")
	sess := &model.Session{
		IdentityID:       ident.ID,
		RefreshTokenHash: hash,
		DeviceInfo:       Fingerprint(meta.UserAgent),
		IP:               meta.IP,
		UserAgent:        meta.UserAgent,
		ExpiresAt:        now.Add(s.ttl),
		TenantID:         ident.TenantID,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}

	access, err := auth.MintAccessToken(s.tokens, ident, now)
	if err != nil {
		return nil, nil, err
	}

	log.Ctx(ctx).Info().
		Str("session_id", sess.ID.String()).
		Str("identity_id", ident.ID.String()).
		Time("expires_at", sess.ExpiresAt).
		Msg("session issued")

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.TTL.Seconds()),
	}, sess, nil
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token is NOT rotated: the original stays valid until expiry or
// revocation. Rotation is a known hardening option deliberately left
// open.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	sess, err := s.store.SessionByTokenHash(ctx, auth.HashCredential(refreshToken))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid refresh token", err)
	}
	now := time.Now().UTC()
	if !sess.Valid(now) {
		return nil, apperr.New(apperr.Unauthenticated, "invalid refresh token")
	}

	ident, err := s.store.IdentityByID(ctx, store.SystemScope(), sess.IdentityID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid refresh token", err)
	}
	if !ident.IsActive {
		return nil, apperr.New(apperr.Unauthenticated, "invalid refresh token")
	}

	if err := s.store.TouchSession(ctx, sess.ID); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("session_id", sess.ID.String()).Msg("touch session failed")
	}

	access, err := auth.MintAccessToken(s.tokens, ident, now)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		ExpiresIn:    int(s.tokens.TTL.Seconds()),
	}, nil
}

// List returns an identity's sessions.
func (s *Service) List(ctx context.Context, sc store.Scope, identityID uuid.UUID) ([]model.Session, error) {
	return s.store.SessionsForIdentity(ctx, sc, identityID)
}

// Revoke deactivates one session.
func (s *Service) Revoke(ctx context.Context, sc store.Scope, id uuid.UUID) error {
	return s.store.RevokeSession(ctx, sc, id)
}

// RevokeAll deactivates every active session of an identity, optionally
// sparing one. Idempotent; partial writes are acceptable.
func (s *Service) RevokeAll(ctx context.Context, identityID uuid.UUID, except *uuid.UUID) (int64, error) {
	return s.store.RevokeSessionsForIdentity(ctx, identityID, except)
}

// Cleanup deactivates expired sessions. Worker-job body.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	return s.store.DeactivateExpiredSessions(ctx)
}

// Fingerprint reduces a user agent to a coarse "platform/browser" pair.
// Deliberately crude; it only needs to help a user recognize their own
// sessions.
func Fingerprint(userAgent string) string {
	ua := strings.ToLower(userAgent)

	platform := "unknown"
	switch {
	case strings.Contains(ua, "windows"):
		platform = "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macos") || strings.Contains(ua, "darwin"):
		platform = "macos"
	case strings.Contains(ua, "android"):
		platform = "android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		platform = "ios"
	case strings.Contains(ua, "linux"):
		platform = "linux"
	}

	browser := "unknown"
	switch {
	case strings.Contains(ua, "edg/"):
		browser = "edge"
	case strings.Contains(ua, "chrome"):
		browser = "chrome"
	case strings.Contains(ua, "firefox"):
		browser = "firefox"
	case strings.Contains(ua, "safari"):
		browser = "safari"
	case strings.Contains(ua, "curl"):
		browser = "curl"
	case strings.HasPrefix(ua, "go-http-client"):
		browser = "go-http-client"
	}

	return platform + "/" + browser
}
