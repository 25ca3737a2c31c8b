package model

import (
	"time"

	"github.com/google/uuid"
)

// Roles referenced by policies and the rate limiter's role multiplier.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleSystem = "system"
)

// Tenant is the root of isolation. Deleting a tenant cascades to every
// tenant-owned row.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Identity represents an agent or user. A system identity has TenantID nil
// and is visible across tenants; every other identity is tenant-scoped.
type Identity struct {
	ID            uuid.UUID      `json:"id"`
	ExternalID    string         `json:"external_id"`
	Role          string         `json:"role"`
	Claims        map[string]any `json:"claims"`
	IsActive      bool           `json:"is_active"`
	TenantID      *uuid.UUID     `json:"tenant_id,omitempty"`
	SSOProvider   *string        `json:"sso_provider,omitempty"`
	SSOExternalID *string        `json:"sso_external_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ApiKey stores only the one-way hash of the key. The plaintext is
// returned exactly once at creation.
type ApiKey struct {
	ID         uuid.UUID  `json:"id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	IdentityID uuid.UUID  `json:"identity_id"`
	Scopes     []string   `json:"scopes"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	TenantID   *uuid.UUID `json:"tenant_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Valid reports whether the key may authenticate right now.
func (k *ApiKey) Valid(now time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// Session is a long-lived refresh session. Only the refresh token hash is
// stored.
type Session struct {
	ID               uuid.UUID  `json:"id"`
	IdentityID       uuid.UUID  `json:"identity_id"`
	RefreshTokenHash string     `json:"-"`
	DeviceInfo       string     `json:"device_info"`
	IP               string     `json:"ip"`
	UserAgent        string     `json:"user_agent"`
	IsActive         bool       `json:"is_active"`
	ExpiresAt        time.Time  `json:"expires_at"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	TenantID         *uuid.UUID `json:"tenant_id,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Valid reports whether the session may be refreshed right now.
func (s *Session) Valid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// Invitation is a pending offer to create an identity with a given role.
type Invitation struct {
	ID         uuid.UUID      `json:"id"`
	Email      string         `json:"email"`
	Role       string         `json:"role"`
	Claims     map[string]any `json:"claims"`
	Token      string         `json:"token"`
	InvitedBy  *uuid.UUID     `json:"invited_by,omitempty"`
	IsAccepted bool           `json:"is_accepted"`
	AcceptedAt *time.Time     `json:"accepted_at,omitempty"`
	ExpiresAt  time.Time      `json:"expires_at"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Policy holds one JSON rule evaluated by the policy engine. A nil
// TenantID makes the policy global.
type Policy struct {
	ID          uuid.UUID  `json:"id"`
	Role        string     `json:"role"`
	Rule        []byte     `json:"rule"`
	Description *string    `json:"description,omitempty"`
	Priority    int        `json:"priority"`
	IsActive    bool       `json:"is_active"`
	TenantID    *uuid.UUID `json:"tenant_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Memory is a soft-deletable, versioned, optionally TTL'd record owned by
// an identity. Vector is nil until the embedding job runs; a text change
// resets it to nil.
type Memory struct {
	ID        uuid.UUID      `json:"id"`
	IdentityID uuid.UUID     `json:"identity_id"`
	Text      string         `json:"text"`
	Vector    []float32      `json:"-"`
	HasVector bool           `json:"has_vector"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	Score     *float64       `json:"score,omitempty"`
	Version   int            `json:"version"`
	TTLDays   *int           `json:"ttl_days,omitempty"`
	IsDeleted bool           `json:"is_deleted"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
	TenantID  *uuid.UUID     `json:"tenant_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ExpiresAt returns the hard-delete deadline, or zero when no TTL is set.
func (m *Memory) ExpiresAt() time.Time {
	if m.TTLDays == nil {
		return time.Time{}
	}
	return m.CreatedAt.AddDate(0, 0, *m.TTLDays)
}

// AuditLog is append-only. Exactly one row is written per mutating API
// call, in the same transaction as the mutation.
type AuditLog struct {
	ID           uuid.UUID      `json:"id"`
	EventType    string         `json:"event_type"`
	ActorID      *uuid.UUID     `json:"actor_id,omitempty"`
	ResourceID   *uuid.UUID     `json:"resource_id,omitempty"`
	ResourceType *string        `json:"resource_type,omitempty"`
	BeforeState  map[string]any `json:"before_state,omitempty"`
	AfterState   map[string]any `json:"after_state,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	IP           *string        `json:"ip,omitempty"`
	UserAgent    *string        `json:"user_agent,omitempty"`
	TenantID     *uuid.UUID     `json:"tenant_id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// IdentityEvent is the durable ledger row behind the event bus. It is
// written inside the mutation transaction and handed to the webhook
// pipeline after commit.
type IdentityEvent struct {
	ID               uuid.UUID      `json:"id"`
	EventType        string         `json:"event_type"`
	IdentityID       *uuid.UUID     `json:"identity_id,omitempty"`
	ActorID          *uuid.UUID     `json:"actor_id,omitempty"`
	Payload          map[string]any `json:"payload"`
	Meta             map[string]any `json:"meta,omitempty"`
	IsDelivered      bool           `json:"is_delivered"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	TenantID         *uuid.UUID     `json:"tenant_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Webhook is a per-tenant subscription. Events may contain "*".
type Webhook struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	URL       string     `json:"url"`
	Events    []string   `json:"events"`
	Secret    string     `json:"-"`
	IsActive  bool       `json:"is_active"`
	CreatedBy uuid.UUID  `json:"created_by"`
	TenantID  *uuid.UUID `json:"tenant_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Matches reports whether the webhook subscribes to the event type.
func (w *Webhook) Matches(eventType string) bool {
	for _, e := range w.Events {
		if e == "*" || e == eventType {
			return true
		}
	}
	return false
}

// Delivery statuses. Pending covers both not-yet-attempted and
// scheduled-for-retry; Delivered and Failed are terminal.
const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookDelivery is one subscriber's at-least-once delivery record for
// one event.
type WebhookDelivery struct {
	ID               uuid.UUID      `json:"id"`
	WebhookID        uuid.UUID      `json:"webhook_id"`
	EventID          uuid.UUID      `json:"event_id"`
	EventType        string         `json:"event_type"`
	Payload          map[string]any `json:"payload"`
	Status           string         `json:"status"`
	ResponseCode     *int           `json:"response_code,omitempty"`
	ResponseBody     *string        `json:"response_body,omitempty"`
	DeliveryAttempts int            `json:"delivery_attempts"`
	NextRetryAt      *time.Time     `json:"next_retry_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	TenantID         *uuid.UUID     `json:"tenant_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RateLimit is the durable fallback counter used when the cache is down.
type RateLimit struct {
	ID            uuid.UUID  `json:"id"`
	ClientKey     string     `json:"client_key"`
	Endpoint      string     `json:"endpoint"`
	WindowStart   time.Time  `json:"window_start"`
	RequestCount  int        `json:"request_count"`
	LastRequestAt time.Time  `json:"last_request_at"`
	TenantID      *uuid.UUID `json:"tenant_id,omitempty"`
}

// UsageEvent is one raw metered unit of work.
type UsageEvent struct {
	ID         uuid.UUID      `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	ApiKeyID   *uuid.UUID     `json:"api_key_id,omitempty"`
	IdentityID *uuid.UUID     `json:"identity_id,omitempty"`
	Event      string         `json:"event"`
	Units      int            `json:"units"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// UsageDaily is the per-tenant per-day aggregate, unique on
// (tenant_id, date, event) so aggregation is idempotent.
type UsageDaily struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Date     time.Time `json:"date"`
	Event    string    `json:"event"`
	Units    int       `json:"units"`
}
