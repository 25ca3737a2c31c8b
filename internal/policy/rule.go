package policy

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"time"

	"github.com/memkern/memkern/internal/apperr"
)

// Effects recorded in a policy.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Rule is the fixed JSON dialect the engine evaluates. JSON-Logic style
// rules seen in the wild are deliberately not supported: at write time
// they are rejected, at evaluation time they are treated as non-matching.
type Rule struct {
	Actions    []string    `json:"actions"`
	Resource   string      `json:"resource"`
	Effect     string      `json:"effect"`
	Conditions *Conditions `json:"conditions,omitempty"`
}

// Conditions gate a rule. Every present condition must hold for the rule
// to match.
type Conditions struct {
	Roles              []string            `json:"roles,omitempty"`
	IdentityClaims     map[string]any      `json:"identity_claims,omitempty"`
	TimeRestrictions   *TimeRestrictions   `json:"time_restrictions,omitempty"`
	IPRestrictions     *IPRestrictions     `json:"ip_restrictions,omitempty"`
	ResourceConditions *ResourceConditions `json:"resource_conditions,omitempty"`
}

// TimeRestrictions are evaluated in UTC. All present sub-fields must
// hold.
type TimeRestrictions struct {
	TimeOfDay  []int      `json:"time_of_day,omitempty"`  // hours 0..23
	DaysOfWeek []int      `json:"days_of_week,omitempty"` // 0=Sunday..6
	DateRange  *DateRange `json:"date_range,omitempty"`
}

// DateRange bounds a rule to a window. RFC 3339 or date-only values.
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// IPRestrictions match the client IP against literals and CIDR ranges.
type IPRestrictions struct {
	AllowedIPs    []string `json:"allowed_ips,omitempty"`
	AllowedRanges []string `json:"allowed_ranges,omitempty"`
}

// ResourceConditions constrain the evaluation context. Referenced keys
// the context does not supply fail the condition.
type ResourceConditions struct {
	MemoryTypes          []string       `json:"memory_types,omitempty"`
	MetadataRequirements map[string]any `json:"metadata_requirements,omitempty"`
}

// ParseRule validates rule JSON for a policy write. Evaluation does not
// use this path: malformed stored rules are silently non-matching there.
func ParseRule(raw []byte) (*Rule, error) {
	var r Rule
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return nil, apperr.Wrap(apperr.PolicyMalformed, "rule is not valid JSON for the policy dialect", err)
	}
	if len(r.Actions) == 0 {
		return nil, apperr.New(apperr.PolicyMalformed, "rule requires at least one action")
	}
	if r.Resource == "" {
		return nil, apperr.New(apperr.PolicyMalformed, "rule requires a resource")
	}
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return nil, apperr.Newf(apperr.PolicyMalformed, "effect must be %q or %q", EffectAllow, EffectDeny)
	}
	if r.Conditions != nil {
		if err := r.Conditions.validate(); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (c *Conditions) validate() error {
	if c.TimeRestrictions != nil {
		for _, h := range c.TimeRestrictions.TimeOfDay {
			if h < 0 || h > 23 {
				return apperr.Newf(apperr.PolicyMalformed, "time_of_day hour %d out of range", h)
			}
		}
		for _, d := range c.TimeRestrictions.DaysOfWeek {
			if d < 0 || d > 6 {
				return apperr.Newf(apperr.PolicyMalformed, "days_of_week value %d out of range", d)
			}
		}
		if dr := c.TimeRestrictions.DateRange; dr != nil {
			if dr.Start != "" {
				if _, err := parseRuleTime(dr.Start); err != nil {
					return apperr.Wrap(apperr.PolicyMalformed, "date_range.start is not a timestamp", err)
				}
			}
			if dr.End != "" {
				if _, err := parseRuleTime(dr.End); err != nil {
					return apperr.Wrap(apperr.PolicyMalformed, "date_range.end is not a timestamp", err)
				}
			}
		}
	}
	if c.IPRestrictions != nil {
		for _, ip := range c.IPRestrictions.AllowedIPs {
			if _, err := netip.ParseAddr(ip); err != nil {
				return apperr.Wrap(apperr.PolicyMalformed, "allowed_ips entry is not an address", err)
			}
		}
		for _, cidr := range c.IPRestrictions.AllowedRanges {
			if _, err := netip.ParsePrefix(cidr); err != nil {
				return apperr.Wrap(apperr.PolicyMalformed, "allowed_ranges entry is not a CIDR", err)
			}
		}
	}
	return nil
}

// parseRuleTime accepts RFC 3339 timestamps and bare dates.
func parseRuleTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
