package httpapi

import (
	"net/http"

	"github.com/memkern/memkern/internal/memory"
	"github.com/memkern/memkern/internal/usage"
)

type createMemoryReq struct {
	Text     string         `json:"text" validate:"required,max=10000"`
	Type     string         `json:"type" validate:"required,max=64"`
	Metadata map[string]any `json:"metadata"`
	TTLDays  *int           `json:"ttl_days" validate:"omitempty,min=1,max=3650"`
}

// CreateMemory handles POST /v1/memory.
func (s *Server) CreateMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req createMemoryReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.authorizeMemory(r, p, "write", req.Type, req.Metadata); err != nil {
		writeErr(w, r, err)
		return
	}

	m, err := s.Memories.Create(ctx, p.Scope, actorOf(p, r), memory.CreateParams{
		IdentityID: p.Identity.ID,
		Text:       req.Text,
		Type:       req.Type,
		Metadata:   req.Metadata,
		TTLDays:    req.TTLDays,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	s.Meter.Record(ctx, p.Identity.TenantID, &p.Identity.ID, apiKeyID(p), usage.MemoryWrite, 1, nil)
	writeJSON(w, http.StatusCreated, m)
}

// GetMemory handles GET /v1/memory/{id}.
func (s *Server) GetMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.authorizeMemory(r, p, "read", "", nil); err != nil {
		writeErr(w, r, err)
		return
	}

	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	m, err := s.Memories.Get(ctx, p.Scope, id, includeDeleted)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	s.Meter.Record(ctx, p.Identity.TenantID, &p.Identity.ID, apiKeyID(p), usage.MemoryRead, 1, nil)
	writeJSON(w, http.StatusOK, m)
}

// ListMemories handles GET /v1/memory with cursor pagination.
func (s *Server) ListMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	if err := s.authorizeMemory(r, p, "read", "", nil); err != nil {
		writeErr(w, r, err)
		return
	}

	var memType *string
	if t := r.URL.Query().Get("type"); t != "" {
		memType = &t
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)

	rows, next, err := s.Memories.List(ctx, p.Scope, p.Identity.ID, memType, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	resp := map[string]any{"memories": rows}
	if next != "" {
		resp["next_cursor"] = next
	}
	s.Meter.Record(ctx, p.Identity.TenantID, &p.Identity.ID, apiKeyID(p), usage.MemoryRead, 1, nil)
	writeJSON(w, http.StatusOK, resp)
}

type searchMemoryReq struct {
	Query    string  `json:"query" validate:"required"`
	Type     *string `json:"type"`
	Limit    int     `json:"limit" validate:"omitempty,min=1,max=100"`
	MinScore float64 `json:"min_score" validate:"omitempty,min=0,max=1"`
}

// SearchMemories handles POST /v1/memory/search. The response flags
// whether the deterministic fallback ranked the results.
func (s *Server) SearchMemories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req searchMemoryReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.authorizeMemory(r, p, "read", "", nil); err != nil {
		writeErr(w, r, err)
		return
	}

	hits, fallback, err := s.Memories.Search(ctx, p.Scope, memory.SearchParams{
		IdentityID: p.Identity.ID,
		Query:      req.Query,
		Type:       req.Type,
		K:          req.Limit,
		MinScore:   req.MinScore,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	s.Meter.Record(ctx, p.Identity.TenantID, &p.Identity.ID, apiKeyID(p), usage.MemorySearch, 1, nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  hits,
		"fallback": fallback,
	})
}

type updateMemoryReq struct {
	Text     *string        `json:"text" validate:"omitempty,max=10000"`
	Type     *string        `json:"type" validate:"omitempty,max=64"`
	Metadata map[string]any `json:"metadata"`
	TTLDays  *int           `json:"ttl_days" validate:"omitempty,min=1,max=3650"`
	ClearTTL bool           `json:"clear_ttl"`
}

// UpdateMemory handles PUT /v1/memory/{id}. A text change clears the
// vector and re-enqueues embedding; the response shows has_vector false
// until the new embedding lands.
func (s *Server) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updateMemoryReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	memType := ""
	if req.Type != nil {
		memType = *req.Type
	}
	if err := s.authorizeMemory(r, p, "write", memType, req.Metadata); err != nil {
		writeErr(w, r, err)
		return
	}

	m, err := s.Memories.Update(ctx, p.Scope, actorOf(p, r), id, memory.UpdatePatch{
		Text:     req.Text,
		Type:     req.Type,
		Metadata: req.Metadata,
		TTLDays:  req.TTLDays,
		ClearTTL: req.ClearTTL,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	s.Meter.Record(ctx, p.Identity.TenantID, &p.Identity.ID, apiKeyID(p), usage.MemoryWrite, 1, nil)
	writeJSON(w, http.StatusOK, m)
}

// DeleteMemory handles DELETE /v1/memory/{id}. Soft by default;
// ?hard=true removes the row.
func (s *Server) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if err := s.authorizeMemory(r, p, "delete", "", nil); err != nil {
		writeErr(w, r, err)
		return
	}

	hard := r.URL.Query().Get("hard") == "true"
	if err := s.Memories.Delete(ctx, p.Scope, actorOf(p, r), id, hard); err != nil {
		writeErr(w, r, err)
		return
	}

	s.Meter.Record(ctx, p.Identity.TenantID, &p.Identity.ID, apiKeyID(p), usage.MemoryWrite, 1, nil)
	w.WriteHeader(http.StatusNoContent)
}
