package store

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

const invitationCols = `id, email, role, claims, token, invited_by,
	is_accepted, accepted_at, expires_at, tenant_id, created_at, updated_at`

func scanInvitation(row interface{ Scan(...any) error }) (*model.Invitation, error) {
	var inv model.Invitation
	var claims []byte
	err := row.Scan(&inv.ID, &inv.Email, &inv.Role, &claims, &inv.Token,
		&inv.InvitedBy, &inv.IsAccepted, &inv.AcceptedAt, &inv.ExpiresAt,
		&inv.TenantID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inv.Claims = jsonScan(claims)
	return &inv, nil
}

// CreateInvitation stores a pending invitation.
func (s *Store) CreateInvitation(ctx context.Context, inv *model.Invitation) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO invitations (id, email, role, claims, token, invited_by, expires_at, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		inv.ID, inv.Email, inv.Role, jsonArg(inv.Claims), inv.Token,
		inv.InvitedBy, inv.ExpiresAt, inv.TenantID)
	if err := row.Scan(&inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return wrapErr("create invitation", err)
	}
	return nil
}

// InvitationByToken resolves an invitation token. Unscoped: the invitee
// has no credential yet.
func (s *Store) InvitationByToken(ctx context.Context, token string) (*model.Invitation, error) {
	inv, err := scanInvitation(s.db.QueryRow(ctx,
		`SELECT `+invitationCols+` FROM invitations WHERE token = $1`, token))
	if err != nil {
		return nil, wrapErr("get invitation by token", err)
	}
	return inv, nil
}

// Invitations lists a tenant's invitations, newest first.
func (s *Store) Invitations(ctx context.Context, sc Scope) ([]model.Invitation, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + invitationCols + ` FROM invitations WHERE true`)
	args := []any{}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` ORDER BY created_at DESC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list invitations", err)
	}
	defer rows.Close()

	var out []model.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, wrapErr("scan invitation", err)
		}
		out = append(out, *inv)
	}
	return out, wrapErr("list invitations", rows.Err())
}

// AcceptInvitation transitions pending -> accepted. Accepting twice, or
// accepting an expired invitation, conflicts.
func (s *Store) AcceptInvitation(ctx context.Context, token string) (*model.Invitation, error) {
	inv, err := scanInvitation(s.db.QueryRow(ctx, `
		UPDATE invitations SET is_accepted = true, accepted_at = now(), updated_at = now()
		WHERE token = $1 AND NOT is_accepted AND expires_at > now()
		RETURNING `+invitationCols, token))
	if err != nil {
		// Distinguish "never existed" from "already accepted or expired".
		if apperr.Is(wrapErr("", err), apperr.NotFound) {
			if _, lookupErr := s.InvitationByToken(ctx, token); lookupErr == nil {
				return nil, apperr.New(apperr.Conflict, "invitation already accepted or expired")
			}
		}
		return nil, wrapErr("accept invitation", err)
	}
	return inv, nil
}

// DeleteInvitation revokes a pending invitation.
func (s *Store) DeleteInvitation(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`DELETE FROM invitations WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("delete invitation", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "invitation not found")
	}
	return nil
}
