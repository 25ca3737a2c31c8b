package policy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/model"
)

type fakeLister struct {
	policies []model.Policy
	calls    int
}

func (f *fakeLister) PoliciesForEval(ctx context.Context, tenantID *uuid.UUID, role string) ([]model.Policy, error) {
	f.calls++
	return f.policies, nil
}

func pol(priority int, rule string) model.Policy {
	return model.Policy{
		ID:       uuid.New(),
		Role:     model.RoleUser,
		Rule:     []byte(rule),
		Priority: priority,
		IsActive: true,
	}
}

func ident(role string, claims map[string]any) *model.Identity {
	tid := uuid.New()
	return &model.Identity{
		ID:         uuid.New(),
		ExternalID: "user-1",
		Role:       role,
		Claims:     claims,
		IsActive:   true,
		TenantID:   &tid,
	}
}

func TestEvaluateDefaultDeny(t *testing.T) {
	e := NewEngine(&fakeLister{}, 0)
	d, err := e.Evaluate(context.Background(), Input{
		Action:   "read",
		Resource: "memory",
		Identity: ident(model.RoleUser, nil),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected deny with no policies")
	}
	if d.PolicyID != nil {
		t.Fatal("default deny should not name a policy")
	}
}

func TestEvaluatePriorityOrder(t *testing.T) {
	// Store returns rows already ordered by priority desc. The deny at
	// higher priority must win even though an allow exists.
	deny := pol(100, `{"actions":["delete"],"resource":"memory","effect":"deny"}`)
	allow := pol(10, `{"actions":["*"],"resource":"memory","effect":"allow"}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{deny, allow}}, 0)

	d, err := e.Evaluate(context.Background(), Input{
		Action:   "delete",
		Resource: "memory",
		Identity: ident(model.RoleUser, nil),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if d.Allowed {
		t.Fatal("deny policy should win")
	}
	if d.PolicyID == nil || *d.PolicyID != deny.ID {
		t.Fatalf("matched policy = %v, want %v", d.PolicyID, deny.ID)
	}

	d, err = e.Evaluate(context.Background(), Input{
		Action:   "read",
		Resource: "memory",
		Identity: ident(model.RoleUser, nil),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatal("read should fall through to the allow policy")
	}
}

func TestEvaluateSkipsMalformedRule(t *testing.T) {
	bad := pol(100, `{"if":[{"==":[1,1]},"allow","deny"]}`)
	good := pol(10, `{"actions":["read"],"resource":"memory","effect":"allow"}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{bad, good}}, 0)

	d, err := e.Evaluate(context.Background(), Input{
		Action:   "read",
		Resource: "memory",
		Identity: ident(model.RoleUser, nil),
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !d.Allowed {
		t.Fatal("malformed rule must not block the well-formed one")
	}
	if d.PolicyID == nil || *d.PolicyID != good.ID {
		t.Fatal("decision should come from the well-formed policy")
	}
}

func TestEvaluateResourceWildcard(t *testing.T) {
	p := pol(10, `{"actions":["read"],"resource":"memory:*","effect":"allow"}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{p}}, 0)

	for resource, want := range map[string]bool{
		"memory:episodic": true,
		"memory:semantic": true,
		"policy":          false,
	} {
		d, err := e.Evaluate(context.Background(), Input{
			Action:   "read",
			Resource: resource,
			Identity: ident(model.RoleUser, nil),
		})
		if err != nil {
			t.Fatalf("evaluate %q: %v", resource, err)
		}
		if d.Allowed != want {
			t.Errorf("resource %q: allowed = %v, want %v", resource, d.Allowed, want)
		}
	}
}

func TestEvaluateIdentityClaims(t *testing.T) {
	p := pol(10, `{"actions":["read"],"resource":"memory","effect":"allow",
		"conditions":{"identity_claims":{"team":"ml","level":3}}}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{p}}, 0)

	d, _ := e.Evaluate(context.Background(), Input{
		Action:   "read",
		Resource: "memory",
		Identity: ident(model.RoleUser, map[string]any{"team": "ml", "level": float64(3)}),
	})
	if !d.Allowed {
		t.Fatal("matching claims should allow")
	}

	d, _ = e.Evaluate(context.Background(), Input{
		Action:   "read",
		Resource: "memory",
		Identity: ident(model.RoleUser, map[string]any{"team": "infra", "level": float64(3)}),
	})
	if d.Allowed {
		t.Fatal("mismatched claim should fall through to deny")
	}

	d, _ = e.Evaluate(context.Background(), Input{
		Action:   "read",
		Resource: "memory",
		Identity: ident(model.RoleUser, map[string]any{"level": float64(3)}),
	})
	if d.Allowed {
		t.Fatal("missing claim should fall through to deny")
	}
}

func TestEvaluateTimeRestrictions(t *testing.T) {
	p := pol(10, `{"actions":["read"],"resource":"memory","effect":"allow",
		"conditions":{"time_restrictions":{"time_of_day":[9,10,11],"days_of_week":[1,2,3,4,5]}}}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{p}}, 0)

	// Monday 10:00 UTC.
	inside := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	d, _ := e.Evaluate(context.Background(), Input{
		Action: "read", Resource: "memory",
		Identity: ident(model.RoleUser, nil),
		Now:      inside,
	})
	if !d.Allowed {
		t.Fatal("weekday business hour should allow")
	}

	// Sunday.
	weekend := time.Date(2026, 8, 23, 10, 30, 0, 0, time.UTC)
	d, _ = e.Evaluate(context.Background(), Input{
		Action: "read", Resource: "memory",
		Identity: ident(model.RoleUser, nil),
		Now:      weekend,
	})
	if d.Allowed {
		t.Fatal("weekend should deny")
	}

	// Monday 22:00 UTC.
	night := time.Date(2026, 8, 24, 22, 0, 0, 0, time.UTC)
	d, _ = e.Evaluate(context.Background(), Input{
		Action: "read", Resource: "memory",
		Identity: ident(model.RoleUser, nil),
		Now:      night,
	})
	if d.Allowed {
		t.Fatal("out-of-hours should deny")
	}
}

func TestEvaluateIPRestrictions(t *testing.T) {
	p := pol(10, `{"actions":["read"],"resource":"memory","effect":"allow",
		"conditions":{"ip_restrictions":{"allowed_ips":["203.0.113.7"],"allowed_ranges":["10.0.0.0/8"]}}}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{p}}, 0)

	cases := map[string]bool{
		"203.0.113.7": true,
		"10.42.0.99":  true,
		"192.0.2.1":   false,
		"not-an-ip":   false,
		"":            false,
	}
	for ip, want := range cases {
		d, _ := e.Evaluate(context.Background(), Input{
			Action: "read", Resource: "memory",
			Identity: ident(model.RoleUser, nil),
			ClientIP: ip,
		})
		if d.Allowed != want {
			t.Errorf("ip %q: allowed = %v, want %v", ip, d.Allowed, want)
		}
	}
}

func TestEvaluateResourceConditions(t *testing.T) {
	p := pol(10, `{"actions":["read"],"resource":"memory","effect":"allow",
		"conditions":{"resource_conditions":{"memory_types":["episodic"],"metadata_requirements":{"source":"chat"}}}}`)
	e := NewEngine(&fakeLister{policies: []model.Policy{p}}, 0)

	d, _ := e.Evaluate(context.Background(), Input{
		Action: "read", Resource: "memory",
		Identity:   ident(model.RoleUser, nil),
		MemoryType: "episodic",
		Metadata:   map[string]any{"source": "chat"},
	})
	if !d.Allowed {
		t.Fatal("matching resource context should allow")
	}

	// Context absent entirely.
	d, _ = e.Evaluate(context.Background(), Input{
		Action: "read", Resource: "memory",
		Identity: ident(model.RoleUser, nil),
	})
	if d.Allowed {
		t.Fatal("missing resource context must fail the condition")
	}
}

func TestEngineCacheAndInvalidate(t *testing.T) {
	fl := &fakeLister{policies: []model.Policy{
		pol(10, `{"actions":["read"],"resource":"memory","effect":"allow"}`),
	}}
	e := NewEngine(fl, time.Minute)
	id := ident(model.RoleUser, nil)

	for i := 0; i < 3; i++ {
		if _, err := e.Evaluate(context.Background(), Input{Action: "read", Resource: "memory", Identity: id}); err != nil {
			t.Fatalf("evaluate: %v", err)
		}
	}
	if fl.calls != 1 {
		t.Fatalf("store calls = %d, want 1 (cached)", fl.calls)
	}

	e.Invalidate(id.TenantID)
	if _, err := e.Evaluate(context.Background(), Input{Action: "read", Resource: "memory", Identity: id}); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if fl.calls != 2 {
		t.Fatalf("store calls after invalidate = %d, want 2", fl.calls)
	}
}

func TestParseRuleRejectsBadShapes(t *testing.T) {
	cases := []string{
		`not json`,
		`{"resource":"memory","effect":"allow"}`,
		`{"actions":["read"],"effect":"allow"}`,
		`{"actions":["read"],"resource":"memory","effect":"maybe"}`,
		`{"actions":["read"],"resource":"memory","effect":"allow","conditions":{"time_restrictions":{"time_of_day":[25]}}}`,
		`{"actions":["read"],"resource":"memory","effect":"allow","conditions":{"ip_restrictions":{"allowed_ranges":["10.0.0.0/40"]}}}`,
		`{"if":[{"==":[1,1]},"allow","deny"]}`,
	}
	for _, raw := range cases {
		if _, err := ParseRule([]byte(raw)); err == nil {
			t.Errorf("ParseRule(%s) accepted a bad rule", raw)
		}
	}
	good := `{"actions":["read","write"],"resource":"memory:*","effect":"allow",
		"conditions":{"roles":["admin"],"time_restrictions":{"date_range":{"start":"2026-01-01","end":"2026-12-31T23:59:59Z"}}}}`
	if _, err := ParseRule([]byte(good)); err != nil {
		t.Errorf("ParseRule rejected a valid rule: %v", err)
	}
}
