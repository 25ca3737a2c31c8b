package ratelimit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/cache"
	"github.com/memkern/memkern/internal/model"
)

// Class is a per-endpoint limit: requests per window.
type Class struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Default endpoint classes, keyed by the first path segment under the
// API prefix. The memory class is wider because agent workloads read and
// write memories far more often than they touch control-plane objects.
var defaultClasses = []Class{
	{Name: "identity", Limit: 60, Window: time.Minute},
	{Name: "memory", Limit: 200, Window: time.Minute},
	{Name: "policy", Limit: 60, Window: time.Minute},
	{Name: "api-keys", Limit: 30, Window: time.Minute},
	{Name: "invitations", Limit: 30, Window: time.Minute},
	{Name: "sessions", Limit: 60, Window: time.Minute},
	{Name: "events", Limit: 120, Window: time.Minute},
	{Name: "webhooks", Limit: 60, Window: time.Minute},
	{Name: "usage", Limit: 60, Window: time.Minute},
}

const (
	defaultLimit  = 100
	defaultWindow = time.Minute
	defaultClass  = "default"
)

// Role multipliers widen the base class limit for privileged callers.
var roleMultiplier = map[string]int{
	model.RoleAdmin:  2,
	model.RoleSystem: 5,
}

// Counter is the durable fallback counter, backed by Postgres.
type Counter interface {
	IncrRateLimit(ctx context.Context, clientKey, endpoint string, windowStart time.Time, tenantID *uuid.UUID) (int, error)
}

// Result describes one admission decision.
type Result struct {
	Allowed    bool
	Class      string
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits requests against fixed windows. Redis is the fast
// path; when it is down the limiter falls back to the Postgres counter
// so limits stay enforced rather than failing open.
type Limiter struct {
	cache   *cache.Cache
	counter Counter
	classes map[string]Class
}

// New builds a limiter. overrides replace the built-in class table
// entries by name.
func New(c *cache.Cache, counter Counter, overrides map[string]Class) *Limiter {
	classes := make(map[string]Class, len(defaultClasses))
	for _, cl := range defaultClasses {
		classes[cl.Name] = cl
	}
	for name, cl := range overrides {
		cl.Name = name
		classes[name] = cl
	}
	return &Limiter{cache: c, counter: counter, classes: classes}
}

// ParseOverrides turns config-style overrides ("memory" -> "500/60")
// into classes. Malformed entries are ignored.
func ParseOverrides(raw map[string]string) map[string]Class {
	out := make(map[string]Class, len(raw))
	for name, spec := range raw {
		limitStr, windowStr, ok := strings.Cut(spec, "/")
		if !ok {
			continue
		}
		limit, err1 := strconv.Atoi(strings.TrimSpace(limitStr))
		secs, err2 := strconv.Atoi(strings.TrimSpace(windowStr))
		if err1 != nil || err2 != nil || limit <= 0 || secs <= 0 {
			continue
		}
		out[name] = Class{Name: name, Limit: limit, Window: time.Duration(secs) * time.Second}
	}
	return out
}

// Classify maps a request path to its limit class.
func (l *Limiter) Classify(path string) Class {
	seg := firstSegment(path)
	if cl, ok := l.classes[seg]; ok {
		return cl
	}
	return Class{Name: defaultClass, Limit: defaultLimit, Window: defaultWindow}
}

// firstSegment extracts the resource segment from paths like
// /v1/memory/123.
func firstSegment(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimPrefix(path, "v1/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Allow admits or rejects one request. key identifies the caller
// ("identity:<uuid>" or "ip:<addr>"); role widens the limit for
// privileged callers; tenantID tags the durable counter row.
func (l *Limiter) Allow(ctx context.Context, key, path, role string, tenantID *uuid.UUID) (Result, error) {
	cl := l.Classify(path)
	limit := cl.Limit
	if m, ok := roleMultiplier[role]; ok {
		limit *= m
	}

	now := time.Now().UTC()
	count, resetIn, err := l.incr(ctx, key, cl, now, tenantID)
	if err != nil {
		// Both counters down. Failing open would drop all protection,
		// so the request is rejected as transient.
		return Result{}, err
	}

	res := Result{
		Class:     cl.Name,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   now.Add(resetIn),
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if count > limit {
		res.Allowed = false
		res.RetryAfter = resetIn
		return res, nil
	}
	res.Allowed = true
	return res, nil
}

func (l *Limiter) incr(ctx context.Context, key string, cl Class, now time.Time, tenantID *uuid.UUID) (int, time.Duration, error) {
	windowStart := now.Truncate(cl.Window)
	resetIn := cl.Window - now.Sub(windowStart)

	if l.cache != nil {
		cacheKey := "rl:" + cl.Name + ":" + key + ":" + windowStart.Format(time.RFC3339)
		count, ttl, err := l.cache.IncrWindow(ctx, cacheKey, cl.Window)
		if err == nil {
			return int(count), ttl, nil
		}
		log.Ctx(ctx).Warn().Err(err).Msg("rate limit cache unavailable, using durable counter")
	}

	count, err := l.counter.IncrRateLimit(ctx, key, cl.Name, windowStart, tenantID)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Transient, "rate limit counters unavailable", err)
	}
	return count, resetIn, nil
}
