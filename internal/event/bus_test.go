package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/model"
)

type recordingWriter struct {
	events []*model.IdentityEvent
}

func (w *recordingWriter) InsertEvent(ctx context.Context, ev *model.IdentityEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	w.events = append(w.events, ev)
	return nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []*model.IdentityEvent
	done   chan struct{}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev *model.IdentityEvent) {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	select {
	case d.done <- struct{}{}:
	default:
	}
}

func TestKnownCatalog(t *testing.T) {
	for _, typ := range []string{MemoryCreated, MemoryDeleted, MemoryHardDeleted, IdentityLogin, RateLimitExceeded, APIKeyRevoked} {
		if !Known(typ) {
			t.Errorf("Known(%q) = false", typ)
		}
	}
	if Known("warehouse.exploded") {
		t.Error("unknown type reported as cataloged")
	}
}

func TestRecordAcceptsUnknownTypes(t *testing.T) {
	w := &recordingWriter{}
	b := NewBus(&recordingDispatcher{done: make(chan struct{}, 1)}, 4)

	ev := &model.IdentityEvent{EventType: "warehouse.exploded", Payload: map[string]any{}}
	if err := b.Record(context.Background(), w, ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(w.events) != 1 {
		t.Fatal("uncataloged event was not written to the ledger")
	}
}

func TestPublishHandsOffToDispatcher(t *testing.T) {
	d := &recordingDispatcher{done: make(chan struct{}, 1)}
	b := NewBus(d, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	ev := &model.IdentityEvent{ID: uuid.New(), EventType: MemoryCreated}
	b.Publish(ev)

	select {
	case <-d.done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never received the event")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.events) != 1 || d.events[0].ID != ev.ID {
		t.Fatalf("dispatched events = %+v", d.events)
	}
}

func TestPublishDoesNotBlockWhenFull(t *testing.T) {
	b := NewBus(&recordingDispatcher{done: make(chan struct{}, 1)}, 1)
	// No Run loop; second publish must return immediately.
	b.Publish(&model.IdentityEvent{ID: uuid.New(), EventType: MemoryCreated})

	done := make(chan struct{})
	go func() {
		b.Publish(&model.IdentityEvent{ID: uuid.New(), EventType: MemoryUpdated})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full buffer")
	}
}
