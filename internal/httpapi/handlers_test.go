package httpapi

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/memkern/memkern/internal/apperr"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.Unauthenticated, 401},
		{apperr.AccessDenied, 403},
		{apperr.ValidationFailed, 422},
		{apperr.PolicyMalformed, 400},
		{apperr.NotFound, 404},
		{apperr.Conflict, 409},
		{apperr.RateLimited, 429},
		{apperr.Transient, 503},
		{apperr.EmbeddingFailed, 503},
		{apperr.Internal, 500},
	}
	for _, c := range cases {
		if got := statusOf(c.kind); got != c.want {
			t.Errorf("statusOf(%v) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestDecodeBodyBoundsMemoryText(t *testing.T) {
	s := &Server{validate: validator.New()}

	body := fmt.Sprintf(`{"text":%q,"type":"note"}`, strings.Repeat("a", 10001))
	r := httptest.NewRequest("POST", "/v1/memory", strings.NewReader(body))
	var req createMemoryReq
	err := s.decodeBody(r, &req)
	if apperr.KindOf(err) != apperr.ValidationFailed {
		t.Fatalf("expected ValidationFailed for oversized text, got %v", err)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		if ae.Details["Text"] != "max" {
			t.Errorf("details = %v, want Text:max", ae.Details)
		}
	}

	body = fmt.Sprintf(`{"text":%q,"type":"note"}`, strings.Repeat("a", 10000))
	r = httptest.NewRequest("POST", "/v1/memory", strings.NewReader(body))
	var ok createMemoryReq
	if err := s.decodeBody(r, &ok); err != nil {
		t.Fatalf("text at the bound must pass: %v", err)
	}

	body = fmt.Sprintf(`{"text":%q}`, strings.Repeat("b", 10001))
	r = httptest.NewRequest("PUT", "/v1/memory/x", strings.NewReader(body))
	var upd updateMemoryReq
	if err := s.decodeBody(r, &upd); apperr.KindOf(err) != apperr.ValidationFailed {
		t.Fatalf("expected ValidationFailed for oversized update text, got %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		q    string
		want int
	}{
		{"", 50},
		{"10", 10},
		{"9999", 200},
		{"0", 50},
		{"-5", 50},
		{"abc", 50},
	}
	for _, c := range cases {
		if got := parseLimit(c.q, 50, 200); got != c.want {
			t.Errorf("parseLimit(%q) = %d, want %d", c.q, got, c.want)
		}
	}
}

func TestParseDateRangeDefaults(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/usage/events", nil)
	from, to, err := parseDateRange(r)
	if err != nil {
		t.Fatalf("parseDateRange: %v", err)
	}
	span := to.Sub(from)
	if span < 29*24*time.Hour || span > 31*24*time.Hour {
		t.Errorf("default span = %v, want ~30 days", span)
	}
}

func TestParseDateRangeExplicit(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/usage/events?from=2026-08-01&to=2026-08-24T12:00:00Z", nil)
	from, to, err := parseDateRange(r)
	if err != nil {
		t.Fatalf("parseDateRange: %v", err)
	}
	if from.Format("2006-01-02") != "2026-08-01" {
		t.Errorf("from = %v", from)
	}
	if to.Hour() != 12 {
		t.Errorf("to = %v", to)
	}
}

func TestParseDateRangeInvalid(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/usage/events?from=yesterday", nil)
	if _, _, err := parseDateRange(r); apperr.KindOf(err) != apperr.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:54321"
	if got := clientIP(r); got != "192.0.2.7" {
		t.Errorf("clientIP = %q", got)
	}

	r.RemoteAddr = "192.0.2.8"
	if got := clientIP(r); got != "192.0.2.8" {
		t.Errorf("clientIP without port = %q", got)
	}
}
