package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memkern/memkern/internal/apperr"
)

// Queryer is satisfied by both *pgxpool.Pool and pgx.Tx, so every
// repository method works identically inside and outside a transaction.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the single persistence authority. All repositories hang off it
// as methods; WithTx rebinds them to a transaction.
type Store struct {
	db   Queryer
	pool *pgxpool.Pool
}

// New creates a Store over a connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx runs fn with a Store bound to a single transaction. Callers
// group a mutation with its audit and event rows here so they commit or
// roll back together.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		// Already inside a transaction; join it.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Transient, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Store{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Transient, "commit transaction", err)
	}
	return nil
}

// Ping reports store health.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// TryAdvisoryLock takes a session-level advisory lock so periodic jobs can
// run on more than one worker without doubling work. The release func must
// be called even if the job fails.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (bool, func(), error) {
	if s.pool == nil {
		return false, nil, apperr.New(apperr.Internal, "advisory locks require a pool-bound store")
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, nil, apperr.Wrap(apperr.Transient, "acquire connection", err)
	}
	var got bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
		conn.Release()
		return false, nil, apperr.Wrap(apperr.Transient, "advisory lock", err)
	}
	if !got {
		conn.Release()
		return false, func() {}, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return true, release, nil
}

// Scope is the caller's tenant visibility: a specific tenant, or the
// distinguished system scope with cross-tenant reads.
type Scope struct {
	tenantID *uuid.UUID
	system   bool
}

// SystemScope sees rows of every tenant.
func SystemScope() Scope { return Scope{system: true} }

// TenantScope is constrained to a single tenant.
func TenantScope(id uuid.UUID) Scope { return Scope{tenantID: &id} }

// System reports whether this is the cross-tenant scope.
func (sc Scope) System() bool { return sc.system }

// TenantID returns the tenant, or nil for the system scope.
func (sc Scope) TenantID() *uuid.UUID { return sc.tenantID }

// tenantFilter appends the tenant predicate for this scope. System scope
// adds nothing (cross-tenant read); tenant scope pins tenant_id. The
// predicate is attached to every query; there is no opt-out.
func (sc Scope) tenantFilter(sb *strings.Builder, args *[]any) {
	if sc.system {
		return
	}
	*args = append(*args, sc.tenantID)
	fmt.Fprintf(sb, " AND tenant_id = $%d", len(*args))
}

// wrapErr maps driver errors to the tagged taxonomy. Unique violations
// become Conflict; missing rows NotFound; everything else Transient.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.Wrap(apperr.NotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Wrap(apperr.Conflict, op, err)
	}
	return apperr.Wrap(apperr.Transient, op, err)
}

// jsonArg marshals a map for a jsonb column. Nil maps become empty
// objects so NOT NULL defaults hold.
func jsonArg(v map[string]any) []byte {
	if v == nil {
		v = map[string]any{}
	}
	b, _ := json.Marshal(v)
	return b
}

func jsonScan(b []byte) map[string]any {
	if len(b) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// vectorArg formats an embedding as a pgvector literal. pgvector accepts
// the bracketed text form directly; no client library is needed.
func vectorArg(vec []float32) *string {
	if vec == nil {
		return nil
	}
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	s := sb.String()
	return &s
}

// parseVector reads the bracketed text form back into a slice.
func parseVector(s *string) []float32 {
	if s == nil {
		return nil
	}
	raw := strings.Trim(*s, "[]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}
