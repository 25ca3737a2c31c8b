package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

type fakeResolverStore struct {
	keysByHash map[string]*model.ApiKey
	identities map[uuid.UUID]*model.Identity
	byExternal map[string]*model.Identity
	touched    []uuid.UUID
}

func newFakeResolverStore() *fakeResolverStore {
	return &fakeResolverStore{
		keysByHash: map[string]*model.ApiKey{},
		identities: map[uuid.UUID]*model.Identity{},
		byExternal: map[string]*model.Identity{},
	}
}

func (f *fakeResolverStore) addIdentity(ident *model.Identity) {
	f.identities[ident.ID] = ident
	f.byExternal[ident.ExternalID] = ident
}

func (f *fakeResolverStore) ApiKeyByHash(_ context.Context, hash string) (*model.ApiKey, error) {
	if k, ok := f.keysByHash[hash]; ok {
		return k, nil
	}
	return nil, apperr.New(apperr.NotFound, "api key not found")
}

func (f *fakeResolverStore) TouchApiKey(_ context.Context, id uuid.UUID) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeResolverStore) IdentityByID(_ context.Context, _ store.Scope, id uuid.UUID) (*model.Identity, error) {
	if ident, ok := f.identities[id]; ok {
		return ident, nil
	}
	return nil, apperr.New(apperr.NotFound, "identity not found")
}

func (f *fakeResolverStore) IdentityByExternalID(_ context.Context, externalID string) (*model.Identity, error) {
	if ident, ok := f.byExternal[externalID]; ok {
		return ident, nil
	}
	return nil, apperr.New(apperr.NotFound, "identity not found")
}

func TestResolveAccessToken(t *testing.T) {
	st := newFakeResolverStore()
	ident := testIdentity()
	st.addIdentity(ident)

	cfg := testTokenConfig()
	r := NewResolver(st, cfg, "mk_")

	tok, err := MintAccessToken(cfg, ident, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	p, err := r.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Identity.ID != ident.ID {
		t.Errorf("resolved identity %s, want %s", p.Identity.ID, ident.ID)
	}
	if p.APIKey != nil {
		t.Error("token auth should not carry an api key")
	}
	if p.Scope.System() {
		t.Error("tenant identity resolved to system scope")
	}
}

func TestResolveAPIKey(t *testing.T) {
	st := newFakeResolverStore()
	ident := testIdentity()
	st.addIdentity(ident)

	plain, hash := NewOpaqueToken("mk_")
	key := &model.ApiKey{
		ID:         uuid.New(),
		Name:       "ci",
		KeyHash:    hash,
		IdentityID: ident.ID,
		Scopes:     []string{"memory:read"},
		IsActive:   true,
	}
	st.keysByHash[hash] = key

	r := NewResolver(st, testTokenConfig(), "mk_")
	p, err := r.Resolve(context.Background(), plain)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.APIKey == nil || p.APIKey.ID != key.ID {
		t.Fatalf("expected api key principal, got %+v", p.APIKey)
	}
	if len(st.touched) != 1 || st.touched[0] != key.ID {
		t.Errorf("expected last-used touch for %s, got %v", key.ID, st.touched)
	}
}

func TestResolveExpiredAPIKey(t *testing.T) {
	st := newFakeResolverStore()
	ident := testIdentity()
	st.addIdentity(ident)

	plain, hash := NewOpaqueToken("mk_")
	past := time.Now().UTC().Add(-time.Hour)
	st.keysByHash[hash] = &model.ApiKey{
		ID: uuid.New(), KeyHash: hash, IdentityID: ident.ID,
		IsActive: true, ExpiresAt: &past,
	}

	r := NewResolver(st, testTokenConfig(), "mk_")
	if _, err := r.Resolve(context.Background(), plain); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for expired key, got %v", err)
	}
}

func TestResolveInactiveIdentity(t *testing.T) {
	st := newFakeResolverStore()
	ident := testIdentity()
	ident.IsActive = false
	st.addIdentity(ident)

	cfg := testTokenConfig()
	r := NewResolver(st, cfg, "mk_")

	tok, err := MintAccessToken(cfg, ident, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := r.Resolve(context.Background(), tok); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for deactivated identity, got %v", err)
	}
}

func TestResolveUnknownKey(t *testing.T) {
	r := NewResolver(newFakeResolverStore(), testTokenConfig(), "mk_")
	if _, err := r.Resolve(context.Background(), "mk_deadbeef"); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestResolveEmptyCredential(t *testing.T) {
	r := NewResolver(newFakeResolverStore(), testTokenConfig(), "mk_")
	if _, err := r.Resolve(context.Background(), ""); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestScopeOfSystemIdentity(t *testing.T) {
	st := newFakeResolverStore()
	ident := testIdentity()
	ident.Role = model.RoleSystem
	ident.TenantID = nil
	st.addIdentity(ident)

	cfg := testTokenConfig()
	r := NewResolver(st, cfg, "mk_")
	tok, err := MintAccessToken(cfg, ident, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	p, err := r.Resolve(context.Background(), tok)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !p.Scope.System() {
		t.Error("identity without tenant should resolve to system scope")
	}
}
