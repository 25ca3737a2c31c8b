package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

const apiKeyCols = `id, name, key_hash, identity_id, scopes, is_active,
	expires_at, last_used_at, tenant_id, created_at, updated_at`

func scanApiKey(row interface{ Scan(...any) error }) (*model.ApiKey, error) {
	var k model.ApiKey
	err := row.Scan(&k.ID, &k.Name, &k.KeyHash, &k.IdentityID, &k.Scopes,
		&k.IsActive, &k.ExpiresAt, &k.LastUsedAt, &k.TenantID,
		&k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateApiKey stores a key. Only the hash is persisted; the caller holds
// the plaintext for its one-time reveal.
func (s *Store) CreateApiKey(ctx context.Context, sc Scope, k *model.ApiKey) error {
	if k.ID == uuid.Nil {
		k.ID = uuid.New()
	}
	if !sc.System() {
		k.TenantID = sc.TenantID()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO api_keys (id, name, key_hash, identity_id, scopes, is_active, expires_at, tenant_id)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7)
		RETURNING created_at, updated_at`,
		k.ID, k.Name, k.KeyHash, k.IdentityID, k.Scopes, k.ExpiresAt, k.TenantID)
	if err := row.Scan(&k.CreatedAt, &k.UpdatedAt); err != nil {
		return wrapErr("create api key", err)
	}
	k.IsActive = true
	return nil
}

// ApiKeyByHash is the credential-resolver lookup. Unscoped by design: the
// key determines the principal, and the principal determines the scope.
func (s *Store) ApiKeyByHash(ctx context.Context, hash string) (*model.ApiKey, error) {
	k, err := scanApiKey(s.db.QueryRow(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys WHERE key_hash = $1`, hash))
	if err != nil {
		return nil, wrapErr("get api key by hash", err)
	}
	return k, nil
}

// ApiKeyByID loads a key within the caller's scope.
func (s *Store) ApiKeyByID(ctx context.Context, sc Scope, id uuid.UUID) (*model.ApiKey, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + apiKeyCols + ` FROM api_keys WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	k, err := scanApiKey(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get api key", err)
	}
	return k, nil
}

// ApiKeysForIdentity lists an identity's keys, newest first.
func (s *Store) ApiKeysForIdentity(ctx context.Context, sc Scope, identityID uuid.UUID) ([]model.ApiKey, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + apiKeyCols + ` FROM api_keys WHERE identity_id = $1`)
	args := []any{identityID}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` ORDER BY created_at DESC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list api keys", err)
	}
	defer rows.Close()

	var out []model.ApiKey
	for rows.Next() {
		k, err := scanApiKey(rows)
		if err != nil {
			return nil, wrapErr("scan api key", err)
		}
		out = append(out, *k)
	}
	return out, wrapErr("list api keys", rows.Err())
}

// ApiKeyPatch is a partial key update. Revival is not a patch: is_active
// may only be cleared.
type ApiKeyPatch struct {
	Name   *string
	Scopes []string
}

// UpdateApiKey applies a patch and returns the updated row.
func (s *Store) UpdateApiKey(ctx context.Context, sc Scope, id uuid.UUID, p ApiKeyPatch) (*model.ApiKey, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	if p.Name != nil {
		args = append(args, *p.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if p.Scopes != nil {
		args = append(args, p.Scopes)
		sets = append(sets, fmt.Sprintf("scopes = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`UPDATE api_keys SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`)
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` RETURNING ` + apiKeyCols)

	k, err := scanApiKey(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("update api key", err)
	}
	return k, nil
}

// RevokeApiKey clears is_active.
func (s *Store) RevokeApiKey(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`UPDATE api_keys SET is_active = false, updated_at = now() WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("revoke api key", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "api key not found")
	}
	return nil
}

// TouchApiKey records last use. Best-effort: resolver callers ignore the
// error.
func (s *Store) TouchApiKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return wrapErr("touch api key", err)
}
