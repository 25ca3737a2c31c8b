package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/memory"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/policy"
)

// decodeBody parses and validates a JSON request body. Validation
// failures carry field-level details.
func (s *Server) decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.ValidationFailed, "invalid JSON body", err)
	}
	if err := s.validate.Struct(dst); err != nil {
		details := map[string]any{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
		}
		return apperr.New(apperr.ValidationFailed, "validation failed").WithDetails(details)
	}
	return nil
}

// idParam parses the {id} URL parameter.
func idParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.ValidationFailed, "invalid id", err)
	}
	return id, nil
}

// principal returns the authenticated principal. Routes behind the auth
// middleware always have one.
func principal(r *http.Request) *auth.Principal {
	return auth.PrincipalFrom(r.Context())
}

// apiKeyID returns the presented key's id for usage attribution, nil
// under token auth.
func apiKeyID(p *auth.Principal) *uuid.UUID {
	if p.APIKey == nil {
		return nil
	}
	return &p.APIKey.ID
}

// actorOf captures the mutation actor for the audit trail.
func actorOf(p *auth.Principal, r *http.Request) memory.Actor {
	return memory.Actor{
		ID:        p.Identity.ID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseDateRange reads from/to query params (RFC 3339 or date-only),
// defaulting to the trailing 30 days.
func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	parse := func(s string) (time.Time, error) {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", s)
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parse(v)
		if err != nil {
			return from, to, apperr.Wrap(apperr.ValidationFailed, "invalid from", err)
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parse(v)
		if err != nil {
			return from, to, apperr.Wrap(apperr.ValidationFailed, "invalid to", err)
		}
		to = t
	}
	return from, to, nil
}

// authorizeMemory asks the policy engine whether the principal may act
// on the memory resource. System identities bypass the engine.
func (s *Server) authorizeMemory(r *http.Request, p *auth.Principal, action, memType string, metadata map[string]any) error {
	if p.Role() == model.RoleSystem {
		return nil
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if p.APIKey != nil {
		metadata["api_key_scopes"] = p.APIKey.Scopes
	}
	d, err := s.Policies.Evaluate(r.Context(), policy.Input{
		Action:     action,
		Resource:   "memory",
		Identity:   p.Identity,
		ClientIP:   clientIP(r),
		MemoryType: memType,
		Metadata:   metadata,
	})
	if err != nil {
		return err
	}
	if !d.Allowed {
		return apperr.New(apperr.AccessDenied, "not allowed by policy")
	}
	return nil
}
