package policy

import (
	"context"
	"encoding/json"
	"net/netip"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/model"
)

const defaultCacheTTL = 60 * time.Second

// Lister is the store surface the engine reads policies through.
type Lister interface {
	PoliciesForEval(ctx context.Context, tenantID *uuid.UUID, role string) ([]model.Policy, error)
}

// Input is one authorization question.
type Input struct {
	Action   string
	Resource string
	Identity *model.Identity
	ClientIP string
	Now      time.Time

	// Optional resource context. Rules with resource_conditions fail
	// when the context they reference is absent.
	MemoryType string
	Metadata   map[string]any
}

// Decision is the engine's answer. PolicyID is the matched policy, nil
// when no rule matched and the default applied.
type Decision struct {
	Allowed  bool       `json:"allowed"`
	PolicyID *uuid.UUID `json:"policy_id,omitempty"`
	Reason   string     `json:"reason"`
}

type compiledPolicy struct {
	id   uuid.UUID
	rule *Rule // nil when the stored JSON failed to parse
}

type cacheEntry struct {
	policies []compiledPolicy
	expires  time.Time
}

// Engine evaluates policies for (tenant, role) pairs with a short
// compiled-rule cache in front of the store.
type Engine struct {
	store Lister
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewEngine builds an engine. ttl <= 0 selects the default cache TTL.
func NewEngine(st Lister, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Engine{
		store: st,
		ttl:   ttl,
		cache: make(map[string]cacheEntry),
	}
}

// Evaluate answers an authorization question. Policies apply in priority
// order, highest first, oldest first within a priority; the first
// matching rule decides. No match means deny.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.Identity == nil {
		return Decision{Allowed: false, Reason: "no identity"}, nil
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	policies, err := e.load(ctx, in.Identity.TenantID, in.Identity.Role)
	if err != nil {
		return Decision{}, err
	}

	for _, p := range policies {
		if p.rule == nil {
			continue
		}
		if !p.rule.matches(in) {
			continue
		}
		id := p.id
		return Decision{
			Allowed:  p.rule.Effect == EffectAllow,
			PolicyID: &id,
			Reason:   "matched policy",
		}, nil
	}
	return Decision{Allowed: false, Reason: "no matching policy"}, nil
}

// Invalidate drops cached compilations for a tenant, or everything when
// tenantID is nil. Call after any policy write.
func (e *Engine) Invalidate(tenantID *uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tenantID == nil {
		e.cache = make(map[string]cacheEntry)
		return
	}
	prefix := tenantID.String() + "|"
	for k := range e.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(e.cache, k)
		}
	}
}

func (e *Engine) load(ctx context.Context, tenantID *uuid.UUID, role string) ([]compiledPolicy, error) {
	key := "global|" + role
	if tenantID != nil {
		key = tenantID.String() + "|" + role
	}

	e.mu.RLock()
	entry, ok := e.cache[key]
	e.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.policies, nil
	}

	rows, err := e.store.PoliciesForEval(ctx, tenantID, role)
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledPolicy, 0, len(rows))
	for _, p := range rows {
		cp := compiledPolicy{id: p.ID}
		rule, perr := ParseRule(p.Rule)
		if perr != nil {
			log.Ctx(ctx).Warn().
				Str("policy_id", p.ID.String()).
				Err(perr).
				Msg("skipping malformed policy rule")
		} else {
			cp.rule = rule
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	e.cache[key] = cacheEntry{policies: compiled, expires: time.Now().Add(e.ttl)}
	e.mu.Unlock()
	return compiled, nil
}

// matches reports whether the rule applies to the input, conditions
// included.
func (r *Rule) matches(in Input) bool {
	if !matchAction(r.Actions, in.Action) {
		return false
	}
	if !matchResource(r.Resource, in.Resource) {
		return false
	}
	if r.Conditions == nil {
		return true
	}
	return r.Conditions.hold(in)
}

func matchAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// matchResource supports exact matches, the bare wildcard, and a
// trailing-star prefix form like "memory:*".
func matchResource(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if n := len(pattern); n > 1 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(resource) >= len(prefix) && resource[:len(prefix)] == prefix
	}
	return false
}

func (c *Conditions) hold(in Input) bool {
	if len(c.Roles) > 0 {
		found := false
		for _, role := range c.Roles {
			if role == in.Identity.Role {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range c.IdentityClaims {
		got, ok := in.Identity.Claims[k]
		if !ok || !claimEqual(want, got) {
			return false
		}
	}
	if tr := c.TimeRestrictions; tr != nil && !tr.hold(in.Now.UTC()) {
		return false
	}
	if ipr := c.IPRestrictions; ipr != nil && !ipr.hold(in.ClientIP) {
		return false
	}
	if rc := c.ResourceConditions; rc != nil && !rc.hold(in) {
		return false
	}
	return true
}

func (tr *TimeRestrictions) hold(now time.Time) bool {
	if len(tr.TimeOfDay) > 0 {
		ok := false
		for _, h := range tr.TimeOfDay {
			if h == now.Hour() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(tr.DaysOfWeek) > 0 {
		ok := false
		for _, d := range tr.DaysOfWeek {
			if d == int(now.Weekday()) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if dr := tr.DateRange; dr != nil {
		if dr.Start != "" {
			start, err := parseRuleTime(dr.Start)
			if err != nil || now.Before(start) {
				return false
			}
		}
		if dr.End != "" {
			end, err := parseRuleTime(dr.End)
			if err != nil || now.After(end) {
				return false
			}
		}
	}
	return true
}

func (ipr *IPRestrictions) hold(clientIP string) bool {
	if len(ipr.AllowedIPs) == 0 && len(ipr.AllowedRanges) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}
	for _, lit := range ipr.AllowedIPs {
		if a, err := netip.ParseAddr(lit); err == nil && a == addr {
			return true
		}
	}
	for _, cidr := range ipr.AllowedRanges {
		if p, err := netip.ParsePrefix(cidr); err == nil && p.Contains(addr) {
			return true
		}
	}
	return false
}

func (rc *ResourceConditions) hold(in Input) bool {
	if len(rc.MemoryTypes) > 0 {
		ok := false
		for _, mt := range rc.MemoryTypes {
			if mt == in.MemoryType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for k, want := range rc.MetadataRequirements {
		got, ok := in.Metadata[k]
		if !ok || !claimEqual(want, got) {
			return false
		}
	}
	return true
}

// claimEqual compares JSON-shaped values. Both sides are normalized
// through json so numbers compare as float64 regardless of how they were
// decoded.
func claimEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
