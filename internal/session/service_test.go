package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

type fakeSessionStore struct {
	sessions   map[uuid.UUID]*model.Session
	identities map[uuid.UUID]*model.Identity
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions:   map[uuid.UUID]*model.Session{},
		identities: map[uuid.UUID]*model.Identity{},
	}
}

func (f *fakeSessionStore) CreateSession(_ context.Context, sess *model.Session) error {
	sess.ID = uuid.New()
	sess.IsActive = true
	sess.CreatedAt = time.Now().UTC()
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeSessionStore) SessionByTokenHash(_ context.Context, hash string) (*model.Session, error) {
	for _, s := range f.sessions {
		if s.RefreshTokenHash == hash {
			return s, nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "session not found")
}

func (f *fakeSessionStore) SessionByID(_ context.Context, _ store.Scope, id uuid.UUID) (*model.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, apperr.New(apperr.NotFound, "session not found")
}

func (f *fakeSessionStore) SessionsForIdentity(_ context.Context, _ store.Scope, identityID uuid.UUID) ([]model.Session, error) {
	var out []model.Session
	for _, s := range f.sessions {
		if s.IdentityID == identityID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) TouchSession(_ context.Context, id uuid.UUID) error {
	if s, ok := f.sessions[id]; ok {
		now := time.Now().UTC()
		s.LastUsedAt = &now
	}
	return nil
}

func (f *fakeSessionStore) RevokeSession(_ context.Context, _ store.Scope, id uuid.UUID) error {
	s, ok := f.sessions[id]
	if !ok {
		return apperr.New(apperr.NotFound, "session not found")
	}
	s.IsActive = false
	return nil
}

func (f *fakeSessionStore) RevokeSessionsForIdentity(_ context.Context, identityID uuid.UUID, except *uuid.UUID) (int64, error) {
	var n int64
	for _, s := range f.sessions {
		if s.IdentityID != identityID || !s.IsActive {
			continue
		}
		if except != nil && s.ID == *except {
			continue
		}
		s.IsActive = false
		n++
	}
	return n, nil
}

func (f *fakeSessionStore) DeactivateExpiredSessions(_ context.Context) (int64, error) {
	now := time.Now().UTC()
	var n int64
	for _, s := range f.sessions {
		if s.IsActive && now.After(s.ExpiresAt) {
			s.IsActive = false
			n++
		}
	}
	return n, nil
}

func (f *fakeSessionStore) IdentityByID(_ context.Context, _ store.Scope, id uuid.UUID) (*model.Identity, error) {
	if ident, ok := f.identities[id]; ok {
		return ident, nil
	}
	return nil, apperr.New(apperr.NotFound, "identity not found")
}

func sessionTestFixture() (*fakeSessionStore, *Service, *model.Identity) {
	st := newFakeSessionStore()
	tenant := uuid.New()
	ident := &model.Identity{
		ID:         uuid.New(),
		ExternalID: "agent-007",
		Role:       model.RoleUser,
		IsActive:   true,
		TenantID:   &tenant,
	}
	st.identities[ident.ID] = ident
	svc := New(st, auth.TokenConfig{Secret: "test", Alg: "HS256", TTL: 15 * time.Minute}, 30)
	return st, svc, ident
}

func TestIssueAndRefresh(t *testing.T) {
	ctx := context.Background()
	st, svc, ident := sessionTestFixture()

	tokens, sess, err := svc.Issue(ctx, ident, RequestMeta{IP: "10.0.0.1", UserAgent: "curl/8.0"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if tokens.TokenType != "bearer" {
		t.Errorf("token_type = %q", tokens.TokenType)
	}
	if sess.RefreshTokenHash != auth.HashCredential(tokens.RefreshToken) {
		t.Error("stored hash does not match the refresh token")
	}
	if sess.DeviceInfo != "linux/curl" && sess.DeviceInfo != "unknown/curl" {
		t.Errorf("device_info = %q", sess.DeviceInfo)
	}
	if _, ok := st.sessions[sess.ID]; !ok {
		t.Fatal("session was not persisted")
	}

	refreshed, err := svc.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Error("refresh returned empty access token")
	}
	if refreshed.RefreshToken != tokens.RefreshToken {
		t.Error("refresh token should not rotate")
	}
}

func TestRefreshAfterRevoke(t *testing.T) {
	ctx := context.Background()
	_, svc, ident := sessionTestFixture()

	tokens, sess, err := svc.Issue(ctx, ident, RequestMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := svc.Revoke(ctx, store.SystemScope(), sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.Refresh(ctx, tokens.RefreshToken); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated after revoke, got %v", err)
	}
}

func TestRefreshExpiredSession(t *testing.T) {
	ctx := context.Background()
	st, svc, ident := sessionTestFixture()

	tokens, sess, err := svc.Issue(ctx, ident, RequestMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	st.sessions[sess.ID].ExpiresAt = time.Now().UTC().Add(-time.Minute)

	if _, err := svc.Refresh(ctx, tokens.RefreshToken); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for expired session, got %v", err)
	}
}

func TestRefreshDeactivatedIdentity(t *testing.T) {
	ctx := context.Background()
	_, svc, ident := sessionTestFixture()

	tokens, _, err := svc.Issue(ctx, ident, RequestMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ident.IsActive = false

	if _, err := svc.Refresh(ctx, tokens.RefreshToken); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated for inactive identity, got %v", err)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	_, svc, _ := sessionTestFixture()
	if _, err := svc.Refresh(context.Background(), "bogus"); apperr.KindOf(err) != apperr.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestRevokeAllSparesException(t *testing.T) {
	ctx := context.Background()
	st, svc, ident := sessionTestFixture()

	_, keep, err := svc.Issue(ctx, ident, RequestMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := svc.Issue(ctx, ident, RequestMeta{}); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}

	n, err := svc.RevokeAll(ctx, ident.ID, &keep.ID)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if n != 3 {
		t.Errorf("revoked %d sessions, want 3", n)
	}
	if !st.sessions[keep.ID].IsActive {
		t.Error("excepted session was revoked")
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	st, svc, ident := sessionTestFixture()

	_, expired, err := svc.Issue(ctx, ident, RequestMeta{})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	st.sessions[expired.ID].ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if _, _, err := svc.Issue(ctx, ident, RequestMeta{}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	n, err := svc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned %d sessions, want 1", n)
	}
}

func TestFingerprint(t *testing.T) {
	cases := []struct {
		ua   string
		want string
	}{
		{"Mozilla/5.0 (Windows NT 10.0) Chrome/120.0", "windows/chrome"},
		{"Mozilla/5.0 (Macintosh; Mac OS X 10_15) Safari/605.1", "macos/safari"},
		{"Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0", "linux/firefox"},
		{"curl/8.4.0", "unknown/curl"},
		{"Go-http-client/2.0", "unknown/go-http-client"},
		{"", "unknown/unknown"},
	}
	for _, c := range cases {
		if got := Fingerprint(c.ua); got != c.want {
			t.Errorf("Fingerprint(%q) = %q, want %q", c.ua, got, c.want)
		}
	}
}
