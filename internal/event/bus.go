package event

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/model"
)

// Event types emitted by the control plane. The catalog is advisory:
// unknown types are recorded and delivered anyway so new emitters do not
// silently lose events, but they are logged for operators to notice.
const (
	IdentityCreated     = "identity.created"
	IdentityUpdated     = "identity.updated"
	IdentityDeactivated = "identity.deactivated"
	IdentityLogin       = "identity.login"

	MemoryCreated     = "memory.created"
	MemoryUpdated     = "memory.updated"
	MemoryDeleted     = "memory.deleted"
	MemoryHardDeleted = "memory.hard_deleted"

	PolicyCreated = "policy.created"
	PolicyUpdated = "policy.updated"
	PolicyDeleted = "policy.deleted"

	APIKeyCreated = "api_key.created"
	APIKeyRevoked = "api_key.revoked"

	InvitationCreated  = "invitation.created"
	InvitationAccepted = "invitation.accepted"

	SessionRevoked = "session.revoked"

	RateLimitExceeded = "rate_limit.exceeded"
)

var catalog = map[string]struct{}{
	IdentityCreated: {}, IdentityUpdated: {}, IdentityDeactivated: {}, IdentityLogin: {},
	MemoryCreated: {}, MemoryUpdated: {}, MemoryDeleted: {}, MemoryHardDeleted: {},
	PolicyCreated: {}, PolicyUpdated: {}, PolicyDeleted: {},
	APIKeyCreated: {}, APIKeyRevoked: {},
	InvitationCreated: {}, InvitationAccepted: {},
	SessionRevoked: {}, RateLimitExceeded: {},
}

// Known reports whether the event type is in the catalog.
func Known(eventType string) bool {
	_, ok := catalog[eventType]
	return ok
}

// Writer is the durable ledger the bus records into. It is satisfied by
// a tx-bound store so the event row commits with its mutation.
type Writer interface {
	InsertEvent(ctx context.Context, ev *model.IdentityEvent) error
}

// Dispatcher fans an event out to subscribers. The webhook pipeline
// implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *model.IdentityEvent)
}

// Bus records events durably inside the caller's transaction and hands
// committed events to the dispatcher on a background goroutine.
type Bus struct {
	dispatcher Dispatcher
	ch         chan *model.IdentityEvent
}

// NewBus builds a bus. Run must be started for handoff to drain.
func NewBus(d Dispatcher, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{dispatcher: d, ch: make(chan *model.IdentityEvent, buffer)}
}

// Record appends the event to the ledger through w. Call it with the
// tx-bound store of the mutation the event describes, then Publish the
// event after commit.
func (b *Bus) Record(ctx context.Context, w Writer, ev *model.IdentityEvent) error {
	if !Known(ev.EventType) {
		log.Ctx(ctx).Warn().Str("event_type", ev.EventType).Msg("recording uncataloged event type")
	}
	return w.InsertEvent(ctx, ev)
}

// Publish hands a committed event to the dispatcher. Non-blocking: when
// the buffer is full the event is not handed off now, and the redispatch
// sweep fans it out later from the ledger.
func (b *Bus) Publish(ev *model.IdentityEvent) {
	select {
	case b.ch <- ev:
	default:
		log.Warn().Str("event_id", ev.ID.String()).Str("event_type", ev.EventType).
			Msg("event bus buffer full, deferring to redispatch sweep")
	}
}

// Run drains the bus until ctx is canceled. Dispatch errors are the
// dispatcher's to record; the loop never stops on them.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.ch:
			b.dispatcher.Dispatch(ctx, ev)
		}
	}
}
