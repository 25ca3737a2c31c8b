package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

type fakeStore struct {
	hooks      []model.Webhook
	deliveries map[uuid.UUID]*model.WebhookDelivery
	orphans    []model.IdentityEvent
	delivered  map[uuid.UUID]bool
	settled    int
}

func newFakeStore(hooks ...model.Webhook) *fakeStore {
	return &fakeStore{
		hooks:      hooks,
		deliveries: make(map[uuid.UUID]*model.WebhookDelivery),
		delivered:  make(map[uuid.UUID]bool),
	}
}

func (f *fakeStore) WebhooksForEvent(ctx context.Context, tenantID *uuid.UUID, eventType string) ([]model.Webhook, error) {
	var out []model.Webhook
	for _, h := range f.hooks {
		if h.IsActive && h.Matches(eventType) {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeStore) WebhookByID(ctx context.Context, sc store.Scope, id uuid.UUID) (*model.Webhook, error) {
	for i := range f.hooks {
		if f.hooks[i].ID == id {
			return &f.hooks[i], nil
		}
	}
	return nil, io.EOF
}

func (f *fakeStore) CreateDelivery(ctx context.Context, d *model.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = model.DeliveryPending
	}
	cp := *d
	f.deliveries[d.ID] = &cp
	return nil
}

func (f *fakeStore) SaveDeliveryResult(ctx context.Context, d *model.WebhookDelivery) error {
	cp := *d
	f.deliveries[d.ID] = &cp
	return nil
}

func (f *fakeStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.WebhookDelivery, error) {
	var out []model.WebhookDelivery
	for _, d := range f.deliveries {
		if d.Status == model.DeliveryPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeStore) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) CloseSettledEvents(ctx context.Context) (int64, error) {
	f.settled++
	return 0, nil
}

func (f *fakeStore) UndispatchedEvents(ctx context.Context, limit int) ([]model.IdentityEvent, error) {
	if len(f.orphans) > limit {
		return f.orphans[:limit], nil
	}
	return f.orphans, nil
}

func (f *fakeStore) MarkEventDelivered(ctx context.Context, id uuid.UUID, attempts int) error {
	f.delivered[id] = true
	return nil
}

func (f *fakeStore) only(t *testing.T) *model.WebhookDelivery {
	t.Helper()
	if len(f.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(f.deliveries))
	}
	for _, d := range f.deliveries {
		return d
	}
	return nil
}

func hook(url, secret string, events ...string) model.Webhook {
	return model.Webhook{
		ID:       uuid.New(),
		Name:     "test-hook",
		URL:      url,
		Events:   events,
		Secret:   secret,
		IsActive: true,
	}
}

func ev(eventType string) *model.IdentityEvent {
	return &model.IdentityEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Payload:   map[string]any{"memory_id": "abc", "version": float64(2)},
	}
}

func TestDispatchDeliversAndSigns(t *testing.T) {
	const secret = "whsec_test"
	var gotSig, gotEvent, gotDelivery string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-Webhook-Event")
		gotDelivery = r.Header.Get("X-Webhook-Delivery")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore(hook(srv.URL, secret, "memory.created"))
	p := New(fs, 5, 5*time.Second)

	p.Dispatch(context.Background(), ev("memory.created"))

	d := fs.only(t)
	if d.Status != model.DeliveryDelivered {
		t.Fatalf("status = %q, want delivered", d.Status)
	}
	if d.DeliveredAt == nil || d.ResponseCode == nil || *d.ResponseCode != http.StatusOK {
		t.Fatalf("delivery result incomplete: %+v", d)
	}
	if gotEvent != "memory.created" {
		t.Errorf("event header = %q", gotEvent)
	}
	if gotDelivery != d.ID.String() {
		t.Errorf("delivery header = %q, want %s", gotDelivery, d.ID)
	}
	if !Verify(secret, gotSig, gotBody) {
		t.Error("signature does not verify against the received body")
	}
	if Verify("wrong-secret", gotSig, gotBody) {
		t.Error("signature verified with the wrong secret")
	}
}

func TestDispatchSkipsNonMatchingHooks(t *testing.T) {
	fs := newFakeStore(hook("http://unused.invalid", "s", "policy.created"))
	p := New(fs, 5, time.Second)

	p.Dispatch(context.Background(), ev("memory.created"))
	if len(fs.deliveries) != 0 {
		t.Fatal("non-subscribed hook received a delivery")
	}
}

func TestDispatchNoSubscribersSettlesEvent(t *testing.T) {
	fs := newFakeStore()
	p := New(fs, 5, time.Second)

	e := ev("memory.created")
	p.Dispatch(context.Background(), e)

	if !fs.delivered[e.ID] {
		t.Fatal("event without subscribers must settle at dispatch")
	}
	if len(fs.deliveries) != 0 {
		t.Fatal("no delivery rows expected without subscribers")
	}
}

func TestRedispatchDeliversOrphanedEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := newFakeStore(hook(srv.URL, "s", "memory.created"))
	orphan := ev("memory.created")
	fs.orphans = []model.IdentityEvent{*orphan}
	p := New(fs, 5, 5*time.Second)

	n, err := p.Redispatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("redispatched %d events, want 1", n)
	}

	d := fs.only(t)
	if d.EventID != orphan.ID {
		t.Errorf("delivery event id = %s, want %s", d.EventID, orphan.ID)
	}
	if d.Status != model.DeliveryDelivered {
		t.Errorf("status = %q, want delivered", d.Status)
	}
}

func TestRedispatchSettlesOrphanWithoutSubscribers(t *testing.T) {
	fs := newFakeStore()
	orphan := ev("memory.created")
	fs.orphans = []model.IdentityEvent{*orphan}
	p := New(fs, 5, time.Second)

	if _, err := p.Redispatch(context.Background(), 10); err != nil {
		t.Fatalf("redispatch: %v", err)
	}
	if !fs.delivered[orphan.ID] {
		t.Fatal("orphan without subscribers must settle on redispatch")
	}
}

func TestDispatchFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fs := newFakeStore(hook(srv.URL, "s", "*"))
	p := New(fs, 5, 5*time.Second)

	before := time.Now().UTC()
	p.Dispatch(context.Background(), ev("memory.created"))

	d := fs.only(t)
	if d.Status != model.DeliveryPending {
		t.Fatalf("status = %q, want pending", d.Status)
	}
	if d.DeliveryAttempts != 1 {
		t.Fatalf("attempts = %d, want 1", d.DeliveryAttempts)
	}
	if d.NextRetryAt == nil {
		t.Fatal("failed attempt must schedule a retry slot")
	}
	wait := d.NextRetryAt.Sub(before)
	if wait < 55*time.Second || wait > 65*time.Second {
		t.Fatalf("first retry slot %v, want ~1m", wait)
	}
	if d.ResponseCode == nil || *d.ResponseCode != http.StatusInternalServerError {
		t.Fatalf("response code = %v", d.ResponseCode)
	}
}

func TestDeliveryGoesTerminalAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadGateway)
	}))
	defer srv.Close()

	h := hook(srv.URL, "s", "*")
	fs := newFakeStore(h)
	p := New(fs, 3, 5*time.Second)

	p.Dispatch(context.Background(), ev("memory.created"))
	d := fs.only(t)

	// Force the slots due and drain the retries.
	for i := 0; i < 2; i++ {
		past := time.Now().UTC().Add(-time.Second)
		fs.deliveries[d.ID].NextRetryAt = &past
		if _, err := p.RetryDue(context.Background(), 10); err != nil {
			t.Fatalf("retry due: %v", err)
		}
	}

	final := fs.deliveries[d.ID]
	if final.Status != model.DeliveryFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if final.DeliveryAttempts != 3 {
		t.Fatalf("attempts = %d, want 3", final.DeliveryAttempts)
	}
	if final.NextRetryAt != nil {
		t.Fatal("terminal delivery must not keep a retry slot")
	}
}

func TestRetryScheduleBacksOff(t *testing.T) {
	want := []time.Duration{
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		2 * time.Hour,
	}
	for i, w := range want {
		if got := delayForAttempt(i + 1); got != w {
			t.Errorf("delayForAttempt(%d) = %v, want %v", i+1, got, w)
		}
	}
	if got := delayForAttempt(99); got != 2*time.Hour {
		t.Errorf("overflow attempt delay = %v, want cap at 2h", got)
	}
}
