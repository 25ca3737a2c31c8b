package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/model"
)

// Metered event names. One unit per API operation unless noted.
const (
	MemoryWrite  = "memory.write"
	MemoryRead   = "memory.read"
	MemorySearch = "memory.search"
	PolicyEval   = "policy.eval"
	APIRequest   = "api.request"
	EmbedCompute = "embed.compute"
)

// Recorder is the store surface the meter writes through.
type Recorder interface {
	InsertUsageEvent(ctx context.Context, ev *model.UsageEvent) error
	AggregateUsageDay(ctx context.Context, day time.Time) error
}

// Meter records billable units. Recording is strictly best-effort: a
// metering failure is logged and the request proceeds.
type Meter struct {
	store Recorder
}

// NewMeter builds a meter over the store.
func NewMeter(st Recorder) *Meter {
	return &Meter{store: st}
}

// Record appends one usage event. Never returns an error. Events with
// no tenant are dropped: there is nobody to bill them to.
func (m *Meter) Record(ctx context.Context, tenantID *uuid.UUID, identityID, apiKeyID *uuid.UUID, eventName string, units int, metadata map[string]any) {
	if tenantID == nil {
		return
	}
	ev := &model.UsageEvent{
		TenantID:   *tenantID,
		IdentityID: identityID,
		ApiKeyID:   apiKeyID,
		Event:      eventName,
		Units:      units,
		Metadata:   metadata,
	}
	if err := m.store.InsertUsageEvent(ctx, ev); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("event", eventName).Msg("usage metering failed")
	}
}

// Aggregate folds raw events into the daily rollup for the given day
// and the day before it, so late-arriving events around midnight are
// still counted. Safe to run repeatedly.
func (m *Meter) Aggregate(ctx context.Context, now time.Time) error {
	day := now.UTC()
	if err := m.store.AggregateUsageDay(ctx, day.AddDate(0, 0, -1)); err != nil {
		return err
	}
	return m.store.AggregateUsageDay(ctx, day)
}
