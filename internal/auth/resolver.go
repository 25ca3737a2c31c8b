package auth

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

// Principal is the authenticated actor: an identity plus its scope, and
// the API key it presented (nil for token auth).
type Principal struct {
	Identity *model.Identity
	Scope    store.Scope
	APIKey   *model.ApiKey
}

// Role is a convenience accessor.
func (p *Principal) Role() string { return p.Identity.Role }

// System reports whether the principal is cross-tenant.
func (p *Principal) System() bool { return p.Scope.System() }

// RateKey is the rate limiter key for this principal.
func (p *Principal) RateKey() string { return "identity:" + p.Identity.ID.String() }

// Resolver turns a presented bearer credential into a Principal. It never
// consults rate limits or policies; composition is the middleware's job.
type Resolver struct {
	store     ResolverStore
	tokens    TokenConfig
	keyPrefix string
}

// ResolverStore is the store surface the resolver depends on.
type ResolverStore interface {
	ApiKeyByHash(ctx context.Context, hash string) (*model.ApiKey, error)
	TouchApiKey(ctx context.Context, id uuid.UUID) error
	IdentityByID(ctx context.Context, sc store.Scope, id uuid.UUID) (*model.Identity, error)
	IdentityByExternalID(ctx context.Context, externalID string) (*model.Identity, error)
}

// NewResolver builds a resolver over the store.
func NewResolver(st ResolverStore, tokens TokenConfig, keyPrefix string) *Resolver {
	return &Resolver{store: st, tokens: tokens, keyPrefix: keyPrefix}
}

// Resolve maps a credential string to a principal. Every failure (bad
// key, bad signature, expired, inactive) collapses to Unauthenticated so
// callers cannot probe which path failed.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, apperr.New(apperr.Unauthenticated, "missing credential")
	}

	if strings.HasPrefix(credential, r.keyPrefix) {
		return r.resolveAPIKey(ctx, credential)
	}
	return r.resolveToken(ctx, credential)
}

func (r *Resolver) resolveAPIKey(ctx context.Context, credential string) (*Principal, error) {
	key, err := r.store.ApiKeyByHash(ctx, HashCredential(credential))
	if err != nil {
		return nil, unauthenticated(err)
	}
	if !key.Valid(time.Now().UTC()) {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credential")
	}
	ident, err := r.store.IdentityByID(ctx, store.SystemScope(), key.IdentityID)
	if err != nil {
		return nil, unauthenticated(err)
	}
	if !ident.IsActive {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credential")
	}

	// Best-effort; never fails the request.
	if err := r.store.TouchApiKey(ctx, key.ID); err != nil {
		log.Ctx(ctx).Debug().Err(err).Str("api_key_id", key.ID.String()).Msg("touch api key failed")
	}

	return &Principal{Identity: ident, Scope: scopeOf(ident), APIKey: key}, nil
}

func (r *Resolver) resolveToken(ctx context.Context, credential string) (*Principal, error) {
	claims, err := ParseAccessToken(r.tokens, credential)
	if err != nil {
		return nil, unauthenticated(err)
	}
	ident, err := r.store.IdentityByExternalID(ctx, claims.Subject)
	if err != nil {
		return nil, unauthenticated(err)
	}
	if !ident.IsActive {
		return nil, apperr.New(apperr.Unauthenticated, "invalid credential")
	}
	return &Principal{Identity: ident, Scope: scopeOf(ident)}, nil
}

// scopeOf derives the principal's scope: identities without a tenant are
// system-scoped (cross-tenant read, writes constrained to null-tenant
// rows); everything else is pinned to its tenant.
func scopeOf(ident *model.Identity) store.Scope {
	if ident.TenantID == nil {
		return store.SystemScope()
	}
	return store.TenantScope(*ident.TenantID)
}

// unauthenticated collapses any resolver failure. The cause stays in the
// chain for server logs; the boundary only surfaces the kind.
func unauthenticated(err error) error {
	return apperr.Wrap(apperr.Unauthenticated, "invalid credential", err)
}
