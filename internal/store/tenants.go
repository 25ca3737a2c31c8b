package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

// defaultTenantName is the tenant unauthenticated registrations land in.
const defaultTenantName = "default"

// CreateTenant stores a tenant.
func (s *Store) CreateTenant(ctx context.Context, t *model.Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO tenants (id, name, created_by)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.CreatedBy)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return wrapErr("create tenant", err)
	}
	return nil
}

// TenantByID loads a tenant.
func (s *Store) TenantByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	var t model.Tenant
	err := s.db.QueryRow(ctx, `
		SELECT id, name, created_by, created_at, updated_at
		FROM tenants WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapErr("get tenant", err)
	}
	return &t, nil
}

// DeleteTenant removes a tenant; ON DELETE CASCADE takes every
// tenant-owned row with it.
func (s *Store) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return wrapErr("delete tenant", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "tenant not found")
	}
	return nil
}

// EnsureDefaultTenant creates the default tenant on first boot and
// returns its id. Unauthenticated registrations are placed there.
func (s *Store) EnsureDefaultTenant(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT id FROM tenants WHERE name = $1 ORDER BY created_at ASC LIMIT 1`,
		defaultTenantName).Scan(&id)
	if err == nil {
		return id, nil
	}
	t := &model.Tenant{Name: defaultTenantName, CreatedBy: "bootstrap"}
	if err := s.CreateTenant(ctx, t); err != nil {
		return uuid.Nil, err
	}
	return t.ID, nil
}
