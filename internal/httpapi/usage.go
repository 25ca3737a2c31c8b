package httpapi

import (
	"net/http"
	"time"
)

// ListUsageEvents handles GET /v1/usage/events (admin): raw metered
// events within ?from/?to, newest first.
func (s *Server) ListUsageEvents(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	from, to, err := parseDateRange(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	events, err := s.Store.UsageEvents(r.Context(), p.Scope, from, to, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ListUsageDaily handles GET /v1/usage/daily (admin).
func (s *Server) ListUsageDaily(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	from, to, err := parseDateRange(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rows, err := s.Store.UsageDailyRange(r.Context(), p.Scope, from, to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"daily": rows})
}

// UsageSummary handles GET /v1/usage/summary (admin): units grouped by
// event across the range.
func (s *Server) UsageSummary(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	from, to, err := parseDateRange(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rows, err := s.Store.UsageSummary(r.Context(), p.Scope, from, to)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":    from.Format("2006-01-02"),
		"to":      to.Format("2006-01-02"),
		"summary": rows,
	})
}

// AggregateUsage handles POST /v1/usage/aggregate (admin): forces the
// daily rollup instead of waiting for the hourly job. Idempotent.
func (s *Server) AggregateUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.Meter.Aggregate(r.Context(), time.Now()); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "aggregated"})
}
