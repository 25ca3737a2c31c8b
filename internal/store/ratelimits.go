package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IncrRateLimit is the durable fallback counter used when the cache is
// unavailable. Upserts the (client_key, endpoint, window_start) row and
// returns the new count.
func (s *Store) IncrRateLimit(ctx context.Context, clientKey, endpoint string, windowStart time.Time, tenantID *uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		INSERT INTO rate_limits (id, client_key, endpoint, window_start, request_count, last_request_at, tenant_id)
		VALUES ($1, $2, $3, $4, 1, now(), $5)
		ON CONFLICT (client_key, endpoint, window_start) DO UPDATE
			SET request_count = rate_limits.request_count + 1,
			    last_request_at = now()
		RETURNING request_count`,
		uuid.New(), clientKey, endpoint, windowStart, tenantID).Scan(&count)
	if err != nil {
		return 0, wrapErr("increment rate limit", err)
	}
	return count, nil
}

// PurgeRateLimitsBefore drops stale window rows. Job body.
func (s *Store) PurgeRateLimitsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM rate_limits WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, wrapErr("purge rate limits", err)
	}
	return tag.RowsAffected(), nil
}
