package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

// Retry slots after a failed attempt. Attempt n waits retryDelays[n-1];
// past the end the delivery goes terminal.
var retryDelays = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

const responseSnippetLimit = 1024

// Store is the persistence surface the pipeline needs.
type Store interface {
	WebhooksForEvent(ctx context.Context, tenantID *uuid.UUID, eventType string) ([]model.Webhook, error)
	WebhookByID(ctx context.Context, sc store.Scope, id uuid.UUID) (*model.Webhook, error)
	CreateDelivery(ctx context.Context, d *model.WebhookDelivery) error
	SaveDeliveryResult(ctx context.Context, d *model.WebhookDelivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error)
	PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CloseSettledEvents(ctx context.Context) (int64, error)
	UndispatchedEvents(ctx context.Context, limit int) ([]model.IdentityEvent, error)
	MarkEventDelivered(ctx context.Context, id uuid.UUID, attempts int) error
}

// Pipeline fans events out to webhook subscribers with at-least-once
// delivery. Receivers deduplicate on the delivery id header.
type Pipeline struct {
	store       Store
	httpc       *http.Client
	maxAttempts int
}

// New builds a pipeline. timeout bounds one delivery attempt.
func New(st Store, maxAttempts int, timeout time.Duration) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = len(retryDelays)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{
		store:       st,
		httpc:       &http.Client{Timeout: timeout},
		maxAttempts: maxAttempts,
	}
}

// Dispatch resolves subscribers for a committed event, records one
// delivery per subscriber, and attempts each immediately. Failures are
// left pending with a retry slot; the retry sweep finishes the job.
func (p *Pipeline) Dispatch(ctx context.Context, ev *model.IdentityEvent) {
	hooks, err := p.store.WebhooksForEvent(ctx, ev.TenantID, ev.EventType)
	if err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("event_id", ev.ID.String()).
			Msg("resolve webhook subscribers failed")
		return
	}
	if len(hooks) == 0 {
		// No subscribers; the ledger row settles right here, since the
		// settle sweep only closes events that have delivery rows.
		if err := p.store.MarkEventDelivered(ctx, ev.ID, 0); err != nil {
			log.Ctx(ctx).Debug().Err(err).
				Str("event_id", ev.ID.String()).
				Msg("settle zero-subscriber event failed")
		}
		return
	}

	for i := range hooks {
		hook := &hooks[i]
		d := &model.WebhookDelivery{
			WebhookID: hook.ID,
			EventID:   ev.ID,
			EventType: ev.EventType,
			Payload:   ev.Payload,
			TenantID:  hook.TenantID,
		}
		if err := p.store.CreateDelivery(ctx, d); err != nil {
			log.Ctx(ctx).Error().Err(err).
				Str("webhook_id", hook.ID.String()).
				Str("event_id", ev.ID.String()).
				Msg("record webhook delivery failed")
			continue
		}
		p.attempt(ctx, hook, d)
	}
}

// RetryDue re-attempts pending deliveries whose slot has arrived.
// Worker-job body.
func (p *Pipeline) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := p.store.DueDeliveries(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	for i := range due {
		d := &due[i]
		hook, err := p.store.WebhookByID(ctx, store.SystemScope(), d.WebhookID)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).
				Str("delivery_id", d.ID.String()).
				Msg("delivery references missing webhook, failing it")
			d.Status = model.DeliveryFailed
			d.NextRetryAt = nil
			if err := p.store.SaveDeliveryResult(ctx, d); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("save delivery result failed")
			}
			continue
		}
		if !hook.IsActive {
			d.Status = model.DeliveryFailed
			d.NextRetryAt = nil
			if err := p.store.SaveDeliveryResult(ctx, d); err != nil {
				log.Ctx(ctx).Error().Err(err).Msg("save delivery result failed")
			}
			continue
		}
		p.attempt(ctx, hook, d)
	}
	if len(due) > 0 {
		if _, err := p.store.CloseSettledEvents(ctx); err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("close settled events failed")
		}
	}
	return len(due), nil
}

// Redispatch fans out ledger rows that never got a delivery row, which
// happens when the handoff buffer overflowed or the process died between
// commit and dispatch. Worker-job body.
func (p *Pipeline) Redispatch(ctx context.Context, limit int) (int, error) {
	events, err := p.store.UndispatchedEvents(ctx, limit)
	if err != nil {
		return 0, err
	}
	for i := range events {
		p.Dispatch(ctx, &events[i])
	}
	return len(events), nil
}

// PurgeOld drops terminal deliveries older than maxAge. Worker-job body.
func (p *Pipeline) PurgeOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	return p.store.PurgeDeliveriesBefore(ctx, time.Now().UTC().Add(-maxAge))
}

// attempt performs one HTTP delivery and writes the outcome back.
func (p *Pipeline) attempt(ctx context.Context, hook *model.Webhook, d *model.WebhookDelivery) {
	now := time.Now().UTC()
	d.DeliveryAttempts++

	body, err := json.Marshal(deliveryBody{
		Event:     d.EventType,
		Timestamp: now.Format(time.RFC3339),
		Data:      d.Payload,
	})
	if err != nil {
		p.fail(ctx, d, 0, "payload not serializable: "+err.Error())
		return
	}

	code, snippet, err := p.post(ctx, hook, d, body)
	if err != nil {
		p.fail(ctx, d, 0, err.Error())
		return
	}
	if code < 200 || code > 299 {
		p.fail(ctx, d, code, snippet)
		return
	}

	d.Status = model.DeliveryDelivered
	d.ResponseCode = &code
	d.ResponseBody = &snippet
	d.DeliveredAt = &now
	d.NextRetryAt = nil
	if err := p.store.SaveDeliveryResult(ctx, d); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("delivery_id", d.ID.String()).
			Msg("save delivery result failed")
		return
	}
	log.Ctx(ctx).Info().
		Str("delivery_id", d.ID.String()).
		Str("webhook_id", hook.ID.String()).
		Str("event_type", d.EventType).
		Int("attempt", d.DeliveryAttempts).
		Msg("webhook delivered")
}

// deliveryBody is the wire envelope. json.Marshal emits map keys sorted,
// so the signed bytes are stable for a given payload.
type deliveryBody struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (p *Pipeline) post(ctx context.Context, hook *model.Webhook, d *model.WebhookDelivery, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", Sign(hook.Secret, body))
	req.Header.Set("X-Webhook-Event", d.EventType)
	req.Header.Set("X-Webhook-Delivery", d.ID.String())

	resp, err := p.httpc.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, responseSnippetLimit))
	return resp.StatusCode, string(snippet), nil
}

// fail records a failed attempt and schedules the next slot, or goes
// terminal after the last one.
func (p *Pipeline) fail(ctx context.Context, d *model.WebhookDelivery, code int, detail string) {
	if code > 0 {
		d.ResponseCode = &code
	} else {
		d.ResponseCode = nil
	}
	d.ResponseBody = &detail

	if d.DeliveryAttempts >= p.maxAttempts {
		d.Status = model.DeliveryFailed
		d.NextRetryAt = nil
	} else {
		d.Status = model.DeliveryPending
		next := time.Now().UTC().Add(delayForAttempt(d.DeliveryAttempts))
		d.NextRetryAt = &next
	}

	if err := p.store.SaveDeliveryResult(ctx, d); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("delivery_id", d.ID.String()).
			Msg("save delivery result failed")
		return
	}
	log.Ctx(ctx).Warn().
		Str("delivery_id", d.ID.String()).
		Str("event_type", d.EventType).
		Int("attempt", d.DeliveryAttempts).
		Str("status", d.Status).
		Msg("webhook delivery attempt failed")
}

// delayForAttempt maps the attempt just made to the wait before the
// next one.
func delayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryDelays) {
		attempt = len(retryDelays)
	}
	return retryDelays[attempt-1]
}
