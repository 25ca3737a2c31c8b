package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/memkern/memkern/internal/cache"
	"github.com/memkern/memkern/internal/model"
)

type fakeCounter struct {
	counts map[string]int
}

func (f *fakeCounter) IncrRateLimit(ctx context.Context, clientKey, endpoint string, windowStart time.Time, tenantID *uuid.UUID) (int, error) {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	k := clientKey + "|" + endpoint + "|" + windowStart.Format(time.RFC3339)
	f.counts[k]++
	return f.counts[k], nil
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestAllowUnderAndOverLimit(t *testing.T) {
	l := New(testCache(t), &fakeCounter{}, map[string]Class{
		"memory": {Limit: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := l.Allow(ctx, "identity:abc", "/v1/memory", model.RoleUser, nil)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be admitted", i)
		}
		if res.Remaining != 3-i {
			t.Errorf("request %d: remaining = %d, want %d", i, res.Remaining, 3-i)
		}
	}

	res, err := l.Allow(ctx, "identity:abc", "/v1/memory/some-id", model.RoleUser, nil)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed {
		t.Fatal("request over the limit should be rejected")
	}
	if res.RetryAfter <= 0 {
		t.Error("rejected request must carry a retry delay")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := New(testCache(t), &fakeCounter{}, map[string]Class{
		"memory": {Limit: 1, Window: time.Minute},
	})
	ctx := context.Background()

	if res, _ := l.Allow(ctx, "identity:a", "/v1/memory", model.RoleUser, nil); !res.Allowed {
		t.Fatal("first caller should be admitted")
	}
	if res, _ := l.Allow(ctx, "identity:a", "/v1/memory", model.RoleUser, nil); res.Allowed {
		t.Fatal("first caller should now be limited")
	}
	if res, _ := l.Allow(ctx, "identity:b", "/v1/memory", model.RoleUser, nil); !res.Allowed {
		t.Fatal("second caller has its own window")
	}
}

func TestRoleMultiplier(t *testing.T) {
	l := New(testCache(t), &fakeCounter{}, map[string]Class{
		"policy": {Limit: 2, Window: time.Minute},
	})
	ctx := context.Background()

	// Admin gets 2x the base limit.
	for i := 1; i <= 4; i++ {
		res, err := l.Allow(ctx, "identity:admin", "/v1/policy", model.RoleAdmin, nil)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("admin request %d within widened limit was rejected", i)
		}
		if res.Limit != 4 {
			t.Fatalf("admin limit = %d, want 4", res.Limit)
		}
	}
	if res, _ := l.Allow(ctx, "identity:admin", "/v1/policy", model.RoleAdmin, nil); res.Allowed {
		t.Fatal("admin request past widened limit should be rejected")
	}
}

func TestFallsBackToDurableCounter(t *testing.T) {
	fc := &fakeCounter{}
	l := New(nil, fc, map[string]Class{
		"memory": {Limit: 2, Window: time.Minute},
	})
	ctx := context.Background()

	if res, err := l.Allow(ctx, "ip:192.0.2.1", "/v1/memory", model.RoleUser, nil); err != nil || !res.Allowed {
		t.Fatalf("durable path first request: res=%+v err=%v", res, err)
	}
	if len(fc.counts) == 0 {
		t.Fatal("durable counter was not used")
	}
	l.Allow(ctx, "ip:192.0.2.1", "/v1/memory", model.RoleUser, nil)
	if res, _ := l.Allow(ctx, "ip:192.0.2.1", "/v1/memory", model.RoleUser, nil); res.Allowed {
		t.Fatal("durable path must also enforce the limit")
	}
}

func TestClassify(t *testing.T) {
	l := New(nil, &fakeCounter{}, nil)
	cases := map[string]string{
		"/v1/memory":           "memory",
		"/v1/memory/search":    "memory",
		"/v1/identity/me":      "identity",
		"/v1/api-keys/abc":     "api-keys",
		"/v1/webhooks":         "webhooks",
		"/v1/does-not-exist":   "default",
		"/healthz":             "default",
		"/v1/usage/aggregate":  "usage",
		"/v1/sessions/refresh": "sessions",
	}
	for path, want := range cases {
		if got := l.Classify(path).Name; got != want {
			t.Errorf("Classify(%q) = %q, want %q", path, got, want)
		}
	}
}
