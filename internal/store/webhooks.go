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

const webhookCols = `id, name, url, events, secret, is_active, created_by,
	tenant_id, created_at, updated_at`

func scanWebhook(row interface{ Scan(...any) error }) (*model.Webhook, error) {
	var w model.Webhook
	err := row.Scan(&w.ID, &w.Name, &w.URL, &w.Events, &w.Secret,
		&w.IsActive, &w.CreatedBy, &w.TenantID, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWebhook stores a subscription.
func (s *Store) CreateWebhook(ctx context.Context, sc Scope, w *model.Webhook) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if !sc.System() {
		w.TenantID = sc.TenantID()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO webhooks (id, name, url, events, secret, is_active, created_by, tenant_id)
		VALUES ($1, $2, $3, $4, $5, true, $6, $7)
		RETURNING created_at, updated_at`,
		w.ID, w.Name, w.URL, w.Events, w.Secret, w.CreatedBy, w.TenantID)
	if err := row.Scan(&w.CreatedAt, &w.UpdatedAt); err != nil {
		return wrapErr("create webhook", err)
	}
	w.IsActive = true
	return nil
}

// WebhookByID loads a subscription within the caller's scope.
func (s *Store) WebhookByID(ctx context.Context, sc Scope, id uuid.UUID) (*model.Webhook, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + webhookCols + ` FROM webhooks WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	w, err := scanWebhook(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get webhook", err)
	}
	return w, nil
}

// Webhooks lists a tenant's subscriptions.
func (s *Store) Webhooks(ctx context.Context, sc Scope) ([]model.Webhook, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + webhookCols + ` FROM webhooks WHERE true`)
	args := []any{}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` ORDER BY created_at DESC`)

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list webhooks", err)
	}
	defer rows.Close()

	var out []model.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, wrapErr("scan webhook", err)
		}
		out = append(out, *w)
	}
	return out, wrapErr("list webhooks", rows.Err())
}

// WebhooksForEvent resolves subscribers for fan-out: active hooks of the
// event's tenant (or system hooks with null tenant) whose events set
// contains the type or "*".
func (s *Store) WebhooksForEvent(ctx context.Context, tenantID *uuid.UUID, eventType string) ([]model.Webhook, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + webhookCols + ` FROM webhooks
		WHERE is_active AND (events @> ARRAY[$1] OR events @> ARRAY['*'])`)
	args := []any{eventType}
	if tenantID != nil {
		args = append(args, *tenantID)
		sb.WriteString(` AND (tenant_id = $2 OR tenant_id IS NULL)`)
	} else {
		sb.WriteString(` AND tenant_id IS NULL`)
	}

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("resolve webhooks for event", err)
	}
	defer rows.Close()

	var out []model.Webhook
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, wrapErr("scan webhook", err)
		}
		out = append(out, *w)
	}
	return out, wrapErr("resolve webhooks for event", rows.Err())
}

// WebhookPatch is a partial subscription update.
type WebhookPatch struct {
	Name     *string
	URL      *string
	Events   []string
	IsActive *bool
}

// UpdateWebhook applies a patch and returns the updated row.
func (s *Store) UpdateWebhook(ctx context.Context, sc Scope, id uuid.UUID, p WebhookPatch) (*model.Webhook, error) {
	sets := []string{"updated_at = now()"}
	args := []any{id}
	if p.Name != nil {
		args = append(args, *p.Name)
		sets = append(sets, fmt.Sprintf("name = $%d", len(args)))
	}
	if p.URL != nil {
		args = append(args, *p.URL)
		sets = append(sets, fmt.Sprintf("url = $%d", len(args)))
	}
	if p.Events != nil {
		args = append(args, p.Events)
		sets = append(sets, fmt.Sprintf("events = $%d", len(args)))
	}
	if p.IsActive != nil {
		args = append(args, *p.IsActive)
		sets = append(sets, fmt.Sprintf("is_active = $%d", len(args)))
	}

	var sb strings.Builder
	sb.WriteString(`UPDATE webhooks SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`)
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` RETURNING ` + webhookCols)

	w, err := scanWebhook(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("update webhook", err)
	}
	return w, nil
}

// DeleteWebhook removes a subscription and its deliveries.
func (s *Store) DeleteWebhook(ctx context.Context, sc Scope, id uuid.UUID) error {
	var sb strings.Builder
	sb.WriteString(`DELETE FROM webhooks WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	tag, err := s.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return wrapErr("delete webhook", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "webhook not found")
	}
	return nil
}

const deliveryCols = `id, webhook_id, event_id, event_type, payload, status,
	response_code, response_body, delivery_attempts, next_retry_at,
	delivered_at, tenant_id, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	var payload []byte
	err := row.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.EventType, &payload,
		&d.Status, &d.ResponseCode, &d.ResponseBody, &d.DeliveryAttempts,
		&d.NextRetryAt, &d.DeliveredAt, &d.TenantID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Payload = jsonScan(payload)
	return &d, nil
}

// CreateDelivery records one subscriber's pending delivery for an event.
func (s *Store) CreateDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event_id, event_type, payload, status, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		d.ID, d.WebhookID, d.EventID, d.EventType, jsonArg(d.Payload),
		d.Status, d.TenantID)
	if err := row.Scan(&d.CreatedAt, &d.UpdatedAt); err != nil {
		return wrapErr("create delivery", err)
	}
	return nil
}

// DeliveryByID loads a delivery, scoped through its webhook's tenant.
func (s *Store) DeliveryByID(ctx context.Context, sc Scope, id uuid.UUID) (*model.WebhookDelivery, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE id = $1`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)

	d, err := scanDelivery(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("get delivery", err)
	}
	return d, nil
}

// DeliveriesForWebhook lists a hook's deliveries, newest first.
func (s *Store) DeliveriesForWebhook(ctx context.Context, sc Scope, webhookID uuid.UUID, limit int) ([]model.WebhookDelivery, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE webhook_id = $1`)
	args := []any{webhookID}
	sc.tenantFilter(&sb, &args)
	args = append(args, limit)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, wrapErr("list deliveries", err)
	}
	defer rows.Close()

	var out []model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrapErr("scan delivery", err)
		}
		out = append(out, *d)
	}
	return out, wrapErr("list deliveries", rows.Err())
}

// SaveDeliveryResult writes back one attempt's outcome: status, attempt
// count, response snippet, and the next retry slot if any.
func (s *Store) SaveDeliveryResult(ctx context.Context, d *model.WebhookDelivery) error {
	_, err := s.db.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, response_code = $3, response_body = $4,
		    delivery_attempts = $5, next_retry_at = $6, delivered_at = $7,
		    updated_at = now()
		WHERE id = $1`,
		d.ID, d.Status, d.ResponseCode, d.ResponseBody,
		d.DeliveryAttempts, d.NextRetryAt, d.DeliveredAt)
	return wrapErr("save delivery result", err)
}

// ResetDelivery puts a failed delivery back to pending for a manual
// retry. The attempt counter restarts.
func (s *Store) ResetDelivery(ctx context.Context, sc Scope, id uuid.UUID) (*model.WebhookDelivery, error) {
	var sb strings.Builder
	sb.WriteString(`UPDATE webhook_deliveries
		SET status = 'pending', delivery_attempts = 0, next_retry_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'failed'`)
	args := []any{id}
	sc.tenantFilter(&sb, &args)
	sb.WriteString(` RETURNING ` + deliveryCols)

	d, err := scanDelivery(s.db.QueryRow(ctx, sb.String(), args...))
	if err != nil {
		return nil, wrapErr("reset delivery", err)
	}
	return d, nil
}

// DueDeliveries selects pending deliveries whose retry slot has arrived.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, wrapErr("list due deliveries", err)
	}
	defer rows.Close()

	var out []model.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrapErr("scan delivery", err)
		}
		out = append(out, *d)
	}
	return out, wrapErr("list due deliveries", rows.Err())
}

// PurgeDeliveriesBefore removes terminal deliveries older than the
// cutoff.
func (s *Store) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM webhook_deliveries
		WHERE status IN ('delivered', 'failed') AND created_at < $1`, cutoff)
	if err != nil {
		return 0, wrapErr("purge deliveries", err)
	}
	return tag.RowsAffected(), nil
}
