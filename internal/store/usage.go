package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/model"
)

// InsertUsageEvent appends one raw metered unit. Best-effort from the
// caller's point of view: metering never fails a request.
func (s *Store) InsertUsageEvent(ctx context.Context, ev *model.UsageEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_events (id, tenant_id, api_key_id, identity_id, event, units, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.TenantID, ev.ApiKeyID, ev.IdentityID, ev.Event, ev.Units,
		jsonArg(ev.Metadata))
	return wrapErr("insert usage event", err)
}

// UsageEvents lists raw events for a tenant within a range, newest first.
func (s *Store) UsageEvents(ctx context.Context, sc Scope, from, to time.Time, limit int) ([]model.UsageEvent, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, tenant_id, api_key_id, identity_id, event, units, metadata, created_at
		FROM usage_events WHERE created_at >= $1 AND created_at < $2`)
	args := []any{from, to}
	sc.tenantFilter(&sb, &args)
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list usage events", err)
	}
	defer rows.Close()

	var out []model.UsageEvent
	for rows.Next() {
		var ev model.UsageEvent
		var metadata []byte
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.ApiKeyID, &ev.IdentityID,
			&ev.Event, &ev.Units, &metadata, &ev.CreatedAt); err != nil {
			return nil, wrapErr("scan usage event", err)
		}
		ev.Metadata = jsonScan(metadata)
		out = append(out, ev)
	}
	return out, wrapErr("list usage events", rows.Err())
}

// AggregateUsageDay folds raw events of one UTC day into usage_daily.
// The upsert overwrites with the full recomputed sum, so running the
// aggregation twice for the same day yields identical rows.
func (s *Store) AggregateUsageDay(ctx context.Context, day time.Time) error {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_daily (tenant_id, date, event, units)
		SELECT tenant_id, $1::date, event, SUM(units)
		FROM usage_events
		WHERE created_at >= $1 AND created_at < $1::timestamptz + interval '1 day'
		GROUP BY tenant_id, event
		ON CONFLICT (tenant_id, date, event) DO UPDATE
			SET units = excluded.units`,
		dayStart)
	return wrapErr("aggregate usage day", err)
}

// UsageDailyRange lists daily aggregates for a tenant across a date
// range.
func (s *Store) UsageDailyRange(ctx context.Context, sc Scope, from, to time.Time) ([]model.UsageDaily, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, tenant_id, date, event, units
		FROM usage_daily WHERE date >= $1 AND date <= $2`)
	args := []any{from, to}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` ORDER BY date ASC, event ASC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list usage daily", err)
	}
	defer rows.Close()

	var out []model.UsageDaily
	for rows.Next() {
		var d model.UsageDaily
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Date, &d.Event, &d.Units); err != nil {
			return nil, wrapErr("scan usage daily", err)
		}
		out = append(out, d)
	}
	return out, wrapErr("list usage daily", rows.Err())
}

// UsageSummaryRow is one grouped line of the summary query.
type UsageSummaryRow struct {
	Event string `json:"event"`
	Units int64  `json:"units"`
}

// UsageSummary groups daily aggregates by event across a date range.
func (s *Store) UsageSummary(ctx context.Context, sc Scope, from, to time.Time) ([]UsageSummaryRow, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT event, SUM(units)
		FROM usage_daily WHERE date >= $1 AND date <= $2`)
	args := []any{from, to}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` GROUP BY event ORDER BY event ASC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("usage summary", err)
	}
	defer rows.Close()

	var out []UsageSummaryRow
	for rows.Next() {
		var r UsageSummaryRow
		if err := rows.Scan(&r.Event, &r.Units); err != nil {
			return nil, wrapErr("scan usage summary", err)
		}
		out = append(out, r)
	}
	return out, wrapErr("usage summary", rows.Err())
}
