package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

const policyCols = `id, role, rule, description, priority, is_active,
	tenant_id, created_at, updated_at`

func scanPolicy(row interface{ Scan(...any) error }) (*model.Policy, error) {
	var p model.Policy
	err := row.Scan(&p.ID, &p.Role, &p.Rule, &p.Description, &p.Priority,
		&p.IsActive, &p.TenantID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePolicy stores a rule. The rule JSON is validated by the policy
// engine before it gets here.
func (s *Store) CreatePolicy(ctx context.Context, sc Scope, p *model.Policy) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if !sc.System() {
		p.TenantID = sc.TenantID()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO policies (id, role, rule, description, priority, is_active, tenant_id)
		VALUES ($1, $2, $3, $4, $5, true, $6)
		RETURNING created_at, updated_at`,
		p.ID, p.Role, p.Rule, p.Description, p.Priority, p.TenantID)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		return wrapErr("create policy", err)
	}
	p.IsActive = true
	return nil
}

// PolicyByID loads a policy within the caller's scope.
func (s *Store) PolicyByID(ctx context.Context, sc Scope, id uuid.UUID) (*model.Policy, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + policyCols + ` FROM policies WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	p, err := scanPolicy(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get policy", err)
	}
	return p, nil
}

// Policies lists a tenant's policies, optionally filtered by role.
func (s *Store) Policies(ctx context.Context, sc Scope, role *string) ([]model.Policy, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + policyCols + ` FROM policies WHERE true`)
	args := []any{}
	sc.tenantFilter(&sb, &args)
	if role != nil {
		args = append(args, *role)
		fmt.Fprintf(&sb, " AND role = $%d", len(args))
	}
	sb.WriteString(` ORDER BY priority DESC, created_at ASC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list policies", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, wrapErr("scan policy", err)
		}
		out = append(out, *p)
	}
	return out, wrapErr("list policies", rows.Err())
}

// PoliciesForEval fetches the active rules the engine evaluates for a
// principal: the principal's tenant rows plus global (null-tenant) rows,
// already in evaluation order (priority desc, older first on ties).
func (s *Store) PoliciesForEval(ctx context.Context, tenantID *uuid.UUID, role string) ([]model.Policy, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + policyCols + ` FROM policies
		WHERE role = $1 AND is_active`)
	args := []any{role}
	if tenantID != nil {
		args = append(args, *tenantID)
		sb.WriteString(` AND (tenant_id = $2 OR tenant_id IS NULL)`)
	} else {
		sb.WriteString(` AND tenant_id IS NULL`)
	}
	sb.WriteString(` ORDER BY priority DESC, created_at ASC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("fetch policies for eval", err)
	}
	defer rows.Close()

	var out []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, wrapErr("scan policy", err)
		}
		out = append(out, *p)
	}
	return out, wrapErr("fetch policies for eval", rows.Err())
}

// PolicyPatch is a partial policy update.
type PolicyPatch struct {
	Rule        []byte
	Description *string
	Priority    *int
	IsActive    *bool
}

// UpdatePolicy applies a patch and returns the updated row.
func (s *Store) UpdatePolicy(ctx context.Context, sc Scope, id uuid.UUID, p PolicyPatch) (*model.Policy, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	if p.Rule != nil {
		args = append(args, p.Rule)
		sets = append(sets, fmt.Sprintf("rule = $%d", len(args)))
	}
	if p.Description != nil {
		args = append(args, *p.Description)
		sets = append(sets, fmt.Sprintf("description = $%d", len(args)))
	}
	if p.Priority != nil {
		args = append(args, *p.Priority)
		sets = append(sets, fmt.Sprintf("priority = $%d", len(args)))
	}
	if p.IsActive != nil {
		args = append(args, *p.IsActive)
		sets = append(sets, fmt.Sprintf("is_active = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`UPDATE policies SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`)
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` RETURNING ` + policyCols)

	pol, err := scanPolicy(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("update policy", err)
	}
	return pol, nil
}

// DeletePolicy removes a policy.
func (s *Store) DeletePolicy(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`DELETE FROM policies WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("delete policy", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "policy not found")
	}
	return nil
}

// DeletePolicies bulk-deletes by id. Returns the number removed; ids
// outside the scope are silently skipped.
func (s *Store) DeletePolicies(ctx context.Context, sc Scope, ids []uuid.UUID) (int64, error) {
	var sb strings.Builder
	sb.WriteString(`DELETE FROM policies WHERE id = ANY($1)`)
	args := []any{ids}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, wrapErr("bulk delete policies", err)
	}
	return tag.RowsAffected(), nil
}
