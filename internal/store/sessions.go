package store

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

const sessionCols = `id, identity_id, refresh_token_hash, device_info, ip,
	user_agent, is_active, expires_at, last_used_at, tenant_id, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var sess model.Session
	err := row.Scan(&sess.ID, &sess.IdentityID, &sess.RefreshTokenHash,
		&sess.DeviceInfo, &sess.IP, &sess.UserAgent, &sess.IsActive,
		&sess.ExpiresAt, &sess.LastUsedAt, &sess.TenantID,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// CreateSession persists a refresh session. Only the token hash is stored.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO sessions (id, identity_id, refresh_token_hash, device_info, ip, user_agent, is_active, expires_at, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)
		RETURNING created_at, updated_at`,
		sess.ID, sess.IdentityID, sess.RefreshTokenHash, sess.DeviceInfo,
		sess.IP, sess.UserAgent, sess.ExpiresAt, sess.TenantID)
	if err := row.Scan(&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return wrapErr("create session", err)
	}
	sess.IsActive = true
	return nil
}

// SessionByTokenHash resolves a presented refresh token. Unscoped: the
// session determines the principal.
func (s *Store) SessionByTokenHash(ctx context.Context, hash string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE refresh_token_hash = $1`, hash))
	if err != nil {
		return nil, wrapErr("get session by token", err)
	}
	return sess, nil
}

// SessionByID loads a session within the caller's scope.
func (s *Store) SessionByID(ctx context.Context, sc Scope, id uuid.UUID) (*model.Session, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + sessionCols + ` FROM sessions WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	sess, err := scanSession(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get session", err)
	}
	return sess, nil
}

// SessionsForIdentity lists an identity's sessions, newest first.
func (s *Store) SessionsForIdentity(ctx context.Context, sc Scope, identityID uuid.UUID) ([]model.Session, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + sessionCols + ` FROM sessions WHERE identity_id = $1`)
	args := []any{identityID}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` ORDER BY created_at DESC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list sessions", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrapErr("scan session", err)
		}
		out = append(out, *sess)
	}
	return out, wrapErr("list sessions", rows.Err())
}

// TouchSession records refresh use.
func (s *Store) TouchSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET last_used_at = now(), updated_at = now() WHERE id = $1`, id)
	return wrapErr("touch session", err)
}

// RevokeSession clears is_active. Idempotent: revoking an already-revoked
// session succeeds.
func (s *Store) RevokeSession(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`UPDATE sessions SET is_active = false, updated_at = now() WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("revoke session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	return nil
}

// RevokeSessionsForIdentity fans out revocation, optionally sparing one
// session (the caller's own). Returns the number revoked.
func (s *Store) RevokeSessionsForIdentity(ctx context.Context, identityID uuid.UUID, except *uuid.UUID) (int64, error) {
	var sb strings.Builder
	sb.WriteString(`UPDATE sessions SET is_active = false, updated_at = now()
		WHERE identity_id = $1 AND is_active`)
	args := []any{identityID}
	if except != nil {
		args = append(args, *except)
		sb.WriteString(` AND id <> $2`)
	}
	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, wrapErr("revoke sessions", err)
	}
	return tag.RowsAffected(), nil
}

// DeactivateExpiredSessions is the cleanup-job body.
func (s *Store) DeactivateExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET is_active = false, updated_at = now()
		 WHERE is_active AND expires_at < now()`)
	if err != nil {
		return 0, wrapErr("deactivate expired sessions", err)
	}
	return tag.RowsAffected(), nil
}
