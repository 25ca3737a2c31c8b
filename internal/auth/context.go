package auth

import "context"

type ctxKey string

const principalKey ctxKey = "principal"

// WithPrincipal stores the authenticated principal in the request
// context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom extracts the principal set by the auth middleware.
// Returns nil on unauthenticated requests.
func PrincipalFrom(ctx context.Context) *Principal {
	if v := ctx.Value(principalKey); v != nil {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}
