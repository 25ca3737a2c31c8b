package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

const identityCols = `id, external_id, role, claims, is_active, tenant_id,
	sso_provider, sso_external_id, created_at, updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (*model.Identity, error) {
	var ident model.Identity
	var claims []byte
	err := row.Scan(&ident.ID, &ident.ExternalID, &ident.Role, &claims,
		&ident.IsActive, &ident.TenantID, &ident.SSOProvider,
		&ident.SSOExternalID, &ident.CreatedAt, &ident.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ident.Claims = jsonScan(claims)
	return &ident, nil
}

// UpsertIdentity creates or updates an identity by external_id. Repeated
// registration with the same external_id updates role and claims (update
// semantics). Returns the stored row and whether it was created.
func (s *Store) UpsertIdentity(ctx context.Context, sc Scope, in *model.Identity) (*model.Identity, bool, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if !sc.System() {
		in.TenantID = sc.TenantID()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO identities (id, external_id, role, claims, is_active, tenant_id, sso_provider, sso_external_id)
		VALUES ($1, $2, $3, $4, true, $5, $6, $7)
		ON CONFLICT (external_id) DO UPDATE
			SET role = excluded.role,
			    claims = excluded.claims,
			    updated_at = now()
		RETURNING `+identityCols+`, (xmax = 0) AS inserted`,
		in.ID, in.ExternalID, in.Role, jsonArg(in.Claims), in.TenantID,
		in.SSOProvider, in.SSOExternalID)

	var ident model.Identity
	var claims []byte
	var inserted bool
	err := row.Scan(&ident.ID, &ident.ExternalID, &ident.Role, &claims,
		&ident.IsActive, &ident.TenantID, &ident.SSOProvider,
		&ident.SSOExternalID, &ident.CreatedAt, &ident.UpdatedAt, &inserted)
	if err != nil {
		return nil, false, wrapErr("upsert identity", err)
	}
	ident.Claims = jsonScan(claims)
	return &ident, inserted, nil
}

// IdentityByID loads an identity within the caller's scope.
func (s *Store) IdentityByID(ctx context.Context, sc Scope, id uuid.UUID) (*model.Identity, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + identityCols + ` FROM identities WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	ident, err := scanIdentity(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get identity", err)
	}
	return ident, nil
}

// IdentityByExternalID loads an identity by its globally unique
// external_id. Used by the credential resolver, so no scope: the token
// subject determines the tenant, not the other way around.
func (s *Store) IdentityByExternalID(ctx context.Context, externalID string) (*model.Identity, error) {
	ident, err := scanIdentity(s.db.QueryRow(ctx,
		`SELECT `+identityCols+` FROM identities WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, wrapErr("get identity by external_id", err)
	}
	return ident, nil
}

// IdentityPatch is a partial identity update. Nil fields are untouched.
type IdentityPatch struct {
	Role     *string
	Claims   map[string]any
	IsActive *bool
}

// UpdateIdentity applies a patch and returns the updated row.
func (s *Store) UpdateIdentity(ctx context.Context, sc Scope, id uuid.UUID, p IdentityPatch) (*model.Identity, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	if p.Role != nil {
		args = append(args, *p.Role)
		sets = append(sets, fmt.Sprintf("role = $%d", len(args)))
	}
	if p.Claims != nil {
		args = append(args, jsonArg(p.Claims))
		sets = append(sets, fmt.Sprintf("claims = $%d", len(args)))
	}
	if p.IsActive != nil {
		args = append(args, *p.IsActive)
		sets = append(sets, fmt.Sprintf("is_active = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`UPDATE identities SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`)
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` RETURNING ` + identityCols)

	ident, err := scanIdentity(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("update identity", err)
	}
	return ident, nil
}

// DeactivateIdentity soft-deactivates. is_active only ever transitions
// true -> false.
func (s *Store) DeactivateIdentity(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`UPDATE identities SET is_active = false, updated_at = now() WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("deactivate identity", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "identity not found")
	}
	return nil
}
