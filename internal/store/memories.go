package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/model"
)

const memoryCols = `id, identity_id, text, vector::text, type, metadata,
	version, ttl_days, is_deleted, deleted_at, tenant_id, created_at, updated_at`

func scanMemory(row interface{ Scan(...any) error }) (*model.Memory, error) {
	var m model.Memory
	var metadata []byte
	var vec *string
	err := row.Scan(&m.ID, &m.IdentityID, &m.Text, &vec, &m.Type, &metadata,
		&m.Version, &m.TTLDays, &m.IsDeleted, &m.DeletedAt, &m.TenantID,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Metadata = jsonScan(metadata)
	m.Vector = parseVector(vec)
	m.HasVector = m.Vector != nil
	return &m, nil
}

// CreateMemory stores a memory with version 1 and no vector. Embedding is
// computed asynchronously; the row is readable immediately.
func (s *Store) CreateMemory(ctx context.Context, sc Scope, m *model.Memory) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if !sc.System() {
		m.TenantID = sc.TenantID()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO memories (id, identity_id, text, type, metadata, version, ttl_days, tenant_id)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		RETURNING created_at, updated_at`,
		m.ID, m.IdentityID, m.Text, m.Type, jsonArg(m.Metadata), m.TTLDays, m.TenantID)
	if err := row.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
		return wrapErr("create memory", err)
	}
	m.Version = 1
	return nil
}

// MemoryByID loads a memory. Soft-deleted rows stay addressable only when
// the caller opts in.
func (s *Store) MemoryByID(ctx context.Context, sc Scope, id uuid.UUID, includeDeleted bool) (*model.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryCols + ` FROM memories WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)
	if !includeDeleted {
		sb.WriteString(` AND NOT is_deleted`)
	}

	m, err := scanMemory(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get memory", err)
	}
	return m, nil
}

// MemoryForUpdate loads a memory with a row lock. Must be called on a
// tx-bound store; the version counter is incremented under this lock.
func (s *Store) MemoryForUpdate(ctx context.Context, sc Scope, id uuid.UUID) (*model.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryCols + ` FROM memories WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` AND NOT is_deleted FOR UPDATE`)

	m, err := scanMemory(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("lock memory", err)
	}
	return m, nil
}

// SaveMemory writes back a patched memory, bumping version. A text
// change is expected to have cleared Vector before the call.
func (s *Store) SaveMemory(ctx context.Context, m *model.Memory) error {
	row := s.db.QueryRow(ctx, `
		UPDATE memories
		SET text = $2, vector = $3::vector, type = $4, metadata = $5,
		    ttl_days = $6, version = version + 1, updated_at = now()
		WHERE id = $1
		RETURNING version, updated_at`,
		m.ID, m.Text, vectorArg(m.Vector), m.Type, jsonArg(m.Metadata), m.TTLDays)
	if err := row.Scan(&m.Version, &m.UpdatedAt); err != nil {
		return wrapErr("save memory", err)
	}
	return nil
}

// Memories lists non-deleted memories for an identity, newest first, with
// keyset pagination.
func (s *Store) Memories(ctx context.Context, sc Scope, identityID uuid.UUID, memType *string, cur Cursor, limit int) ([]model.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryCols + ` FROM memories
		WHERE identity_id = $1 AND NOT is_deleted`)
	args := []any{identityID}
	sc.tenantFilter(&sb, &args)
	if memType != nil {
		args = append(args, *memType)
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	if !cur.Zero() {
		args = append(args, time.UnixMilli(cur.Ms).UTC(), cur.UID)
		fmt.Fprintf(&sb, " AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list memories", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, wrapErr("scan memory", err)
		}
		out = append(out, *m)
	}
	return out, wrapErr("list memories", rows.Err())
}

// SoftDeleteMemory marks a memory deleted but keeps it addressable for
// audit.
func (s *Store) SoftDeleteMemory(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`UPDATE memories SET is_deleted = true, deleted_at = now(), updated_at = now()
		WHERE id = $1 AND NOT is_deleted`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("soft delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "memory not found")
	}
	return nil
}

// HardDeleteMemory removes the row entirely.
func (s *Store) HardDeleteMemory(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`DELETE FROM memories WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("hard delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "memory not found")
	}
	return nil
}

// SearchMemoriesByVector ranks an identity's memories by cosine
// similarity against the query vector via the HNSW index. Results below
// minScore are dropped; Score is populated on each hit.
func (s *Store) SearchMemoriesByVector(ctx context.Context, sc Scope, identityID uuid.UUID, memType *string, vec []float32, k int, minScore float64) ([]model.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryCols + `, 1 - (vector <=> $2::vector) AS score
		FROM memories
		WHERE identity_id = $1 AND NOT is_deleted AND vector IS NOT NULL`)
	args := []any{identityID, vectorArg(vec)}
	sc.tenantFilter(&sb, &args)
	if memType != nil {
		args = append(args, *memType)
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	args = append(args, k)
	fmt.Fprintf(&sb, " ORDER BY vector <=> $2::vector LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("vector search", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var m model.Memory
		var metadata []byte
		var vecText *string
		var score float64
		err := rows.Scan(&m.ID, &m.IdentityID, &m.Text, &vecText, &m.Type,
			&metadata, &m.Version, &m.TTLDays, &m.IsDeleted, &m.DeletedAt,
			&m.TenantID, &m.CreatedAt, &m.UpdatedAt, &score)
		if err != nil {
			return nil, wrapErr("scan vector hit", err)
		}
		if score < minScore {
			continue
		}
		m.Metadata = jsonScan(metadata)
		m.Vector = parseVector(vecText)
		m.HasVector = m.Vector != nil
		m.Score = &score
		out = append(out, m)
	}
	return out, wrapErr("vector search", rows.Err())
}

// SearchMemoriesByText is the deterministic fallback when embedding is
// unavailable: case-insensitive substring match, newest first.
func (s *Store) SearchMemoriesByText(ctx context.Context, sc Scope, identityID uuid.UUID, memType *string, query string, k int) ([]model.Memory, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + memoryCols + ` FROM memories
		WHERE identity_id = $1 AND NOT is_deleted AND text ILIKE $2`)
	args := []any{identityID, "%" + query + "%"}
	sc.tenantFilter(&sb, &args)
	if memType != nil {
		args = append(args, *memType)
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	args = append(args, k)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("text search", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, wrapErr("scan text hit", err)
		}
		out = append(out, *m)
	}
	return out, wrapErr("text search", rows.Err())
}

// MemoriesMissingVector feeds the embedding backfill job in bounded
// batches, oldest first.
func (s *Store) MemoriesMissingVector(ctx context.Context, limit int) ([]model.Memory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+memoryCols+` FROM memories
		WHERE vector IS NULL AND NOT is_deleted
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr("list memories missing vector", err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, wrapErr("scan memory", err)
		}
		out = append(out, *m)
	}
	return out, wrapErr("list memories missing vector", rows.Err())
}

// SetMemoryVector stores a computed embedding, but only if the text has
// not changed since the job was enqueued (version guard, I3).
func (s *Store) SetMemoryVector(ctx context.Context, id uuid.UUID, version int, vec []float32) error {
	_, err := s.db.Exec(ctx, `
		UPDATE memories SET vector = $3::vector, updated_at = now()
		WHERE id = $1 AND version = $2`,
		id, version, vectorArg(vec))
	return wrapErr("set memory vector", err)
}

// DeleteExpiredMemories hard-deletes memories past their TTL. Job body;
// idempotent.
func (s *Store) DeleteExpiredMemories(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM memories
		WHERE ttl_days IS NOT NULL
		  AND now() > created_at + make_interval(days => ttl_days)`)
	if err != nil {
		return 0, wrapErr("delete expired memories", err)
	}
	return tag.RowsAffected(), nil
}
