package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/model"
)

// InsertEvent appends a durable event row. Called on a tx-bound store so
// the row commits with the triggering mutation.
func (s *Store) InsertEvent(ctx context.Context, ev *model.IdentityEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO identity_events (id, event_type, identity_id, actor_id, payload, meta, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		ev.ID, ev.EventType, ev.IdentityID, ev.ActorID,
		jsonArg(ev.Payload), jsonArg(ev.Meta), ev.TenantID)
	if err := row.Scan(&ev.CreatedAt); err != nil {
		return wrapErr("insert event", err)
	}
	return nil
}

// MarkEventDelivered closes the ledger row once every subscriber reached
// a terminal delivery state.
func (s *Store) MarkEventDelivered(ctx context.Context, id uuid.UUID, attempts int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE identity_events
		SET is_delivered = true, delivered_at = now(), delivery_attempts = $2
		WHERE id = $1`, id, attempts)
	return wrapErr("mark event delivered", err)
}

// CloseSettledEvents marks undelivered events whose deliveries are all
// terminal. Sweep body; catches events whose retries finished out of
// band. Events with no delivery rows at all are left open: they were
// never fanned out and belong to the redispatch sweep.
func (s *Store) CloseSettledEvents(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE identity_events e
		SET is_delivered = true, delivered_at = now()
		WHERE NOT e.is_delivered
		  AND EXISTS (
			SELECT 1 FROM webhook_deliveries d
			WHERE d.event_id = e.id
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_deliveries d
			WHERE d.event_id = e.id AND d.status = 'pending'
		  )`)
	if err != nil {
		return 0, wrapErr("close settled events", err)
	}
	return tag.RowsAffected(), nil
}

// UndispatchedEvents returns open events that never produced a delivery
// row, oldest first. Rows younger than a minute are skipped so an
// in-flight handoff is not fanned out twice.
func (s *Store) UndispatchedEvents(ctx context.Context, limit int) ([]model.IdentityEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT e.id, e.event_type, e.identity_id, e.actor_id, e.payload, e.meta, e.tenant_id, e.created_at
		FROM identity_events e
		WHERE NOT e.is_delivered
		  AND e.created_at < now() - interval '1 minute'
		  AND NOT EXISTS (
			SELECT 1 FROM webhook_deliveries d
			WHERE d.event_id = e.id
		  )
		ORDER BY e.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr("list undispatched events", err)
	}
	defer rows.Close()

	var out []model.IdentityEvent
	for rows.Next() {
		var ev model.IdentityEvent
		var payload, meta []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.IdentityID, &ev.ActorID,
			&payload, &meta, &ev.TenantID, &ev.CreatedAt); err != nil {
			return nil, wrapErr("scan undispatched event", err)
		}
		ev.Payload = jsonScan(payload)
		ev.Meta = jsonScan(meta)
		out = append(out, ev)
	}
	return out, wrapErr("list undispatched events", rows.Err())
}

// InsertAudit appends the audit row for a mutation. Called on the same
// tx-bound store as the mutation.
func (s *Store) InsertAudit(ctx context.Context, rec *model.AuditLog) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, event_type, actor_id, resource_id, resource_type,
			before_state, after_state, meta, ip, user_agent, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.EventType, rec.ActorID, rec.ResourceID, rec.ResourceType,
		jsonArg(rec.BeforeState), jsonArg(rec.AfterState), jsonArg(rec.Meta),
		rec.IP, rec.UserAgent, rec.TenantID)
	return wrapErr("insert audit", err)
}
