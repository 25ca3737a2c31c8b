package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/policy"
	"github.com/memkern/memkern/internal/store"
)

type createPolicyReq struct {
	Role        string          `json:"role" validate:"required,oneof=user admin system"`
	Rule        json.RawMessage `json:"rule" validate:"required"`
	Description *string         `json:"description"`
	Priority    int             `json:"priority"`
}

// CreatePolicy handles POST /v1/policy (admin). The rule is validated
// against the policy dialect before it is stored; malformed rules never
// enter the table through this path.
func (s *Server) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req createPolicyReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if _, err := policy.ParseRule(req.Rule); err != nil {
		writeErr(w, r, err)
		return
	}

	pol := &model.Policy{
		Role:        req.Role,
		Rule:        req.Rule,
		Description: req.Description,
		Priority:    req.Priority,
	}

	ev := &model.IdentityEvent{EventType: event.PolicyCreated}
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreatePolicy(ctx, p.Scope, pol); err != nil {
			return err
		}
		rt := "policy"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.PolicyCreated,
			ActorID:      &p.Identity.ID,
			ResourceID:   &pol.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"role": pol.Role, "priority": pol.Priority},
			IP:           &ip,
			TenantID:     pol.TenantID,
		}); err != nil {
			return err
		}
		ev.ActorID = &p.Identity.ID
		ev.TenantID = pol.TenantID
		ev.Payload = map[string]any{"policy_id": pol.ID.String(), "role": pol.Role}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)
	s.Policies.Invalidate(pol.TenantID)

	writeJSON(w, http.StatusCreated, pol)
}

// ListPolicies handles GET /v1/policy (admin), optionally filtered by
// ?role=.
func (s *Server) ListPolicies(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var role *string
	if v := r.URL.Query().Get("role"); v != "" {
		role = &v
	}
	pols, err := s.Store.Policies(r.Context(), p.Scope, role)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": pols})
}

// GetPolicy handles GET /v1/policy/{id} (admin).
func (s *Server) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	pol, err := s.Store.PolicyByID(r.Context(), p.Scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

type updatePolicyReq struct {
	Rule        json.RawMessage `json:"rule"`
	Description *string         `json:"description"`
	Priority    *int            `json:"priority"`
	IsActive    *bool           `json:"is_active"`
}

// UpdatePolicy handles PUT /v1/policy/{id} (admin).
func (s *Server) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updatePolicyReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Rule != nil {
		if _, err := policy.ParseRule(req.Rule); err != nil {
			writeErr(w, r, err)
			return
		}
	}

	var pol *model.Policy
	ev := &model.IdentityEvent{EventType: event.PolicyUpdated}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		pol, err = tx.UpdatePolicy(ctx, p.Scope, id, store.PolicyPatch{
			Rule:        req.Rule,
			Description: req.Description,
			Priority:    req.Priority,
			IsActive:    req.IsActive,
		})
		if err != nil {
			return err
		}
		rt := "policy"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.PolicyUpdated,
			ActorID:      &p.Identity.ID,
			ResourceID:   &pol.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"priority": pol.Priority, "is_active": pol.IsActive},
			IP:           &ip,
			TenantID:     pol.TenantID,
		}); err != nil {
			return err
		}
		ev.ActorID = &p.Identity.ID
		ev.TenantID = pol.TenantID
		ev.Payload = map[string]any{"policy_id": pol.ID.String()}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)
	s.Policies.Invalidate(pol.TenantID)

	writeJSON(w, http.StatusOK, pol)
}

// DeletePolicy handles DELETE /v1/policy/{id} (admin).
func (s *Server) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	ev := &model.IdentityEvent{EventType: event.PolicyDeleted}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		pol, err := tx.PolicyByID(ctx, p.Scope, id)
		if err != nil {
			return err
		}
		if err := tx.DeletePolicy(ctx, p.Scope, id); err != nil {
			return err
		}
		rt := "policy"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.PolicyDeleted,
			ActorID:      &p.Identity.ID,
			ResourceID:   &id,
			ResourceType: &rt,
			BeforeState:  map[string]any{"role": pol.Role, "priority": pol.Priority},
			IP:           &ip,
			TenantID:     pol.TenantID,
		}); err != nil {
			return err
		}
		ev.ActorID = &p.Identity.ID
		ev.TenantID = pol.TenantID
		ev.Payload = map[string]any{"policy_id": id.String()}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)
	s.Policies.Invalidate(p.Scope.TenantID())

	w.WriteHeader(http.StatusNoContent)
}

type bulkDeletePoliciesReq struct {
	IDs []uuid.UUID `json:"ids" validate:"required,min=1,max=100"`
}

// BulkDeletePolicies handles POST /v1/policy/bulk-delete (admin).
// Missing ids are skipped; the response reports how many rows went.
func (s *Server) BulkDeletePolicies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req bulkDeletePoliciesReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var deleted int64
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		deleted, err = tx.DeletePolicies(ctx, p.Scope, req.IDs)
		if err != nil {
			return err
		}
		rt := "policy"
		ip := clientIP(r)
		return tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.PolicyDeleted,
			ActorID:      &p.Identity.ID,
			ResourceType: &rt,
			Meta:         map[string]any{"requested": len(req.IDs), "deleted": deleted},
			IP:           &ip,
			TenantID:     p.Scope.TenantID(),
		})
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Policies.Invalidate(p.Scope.TenantID())

	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

type testPolicyReq struct {
	Action     string         `json:"action" validate:"required"`
	Resource   string         `json:"resource" validate:"required"`
	Role       string         `json:"role" validate:"required,oneof=user admin system"`
	Claims     map[string]any `json:"claims"`
	ClientIP   string         `json:"client_ip"`
	MemoryType string         `json:"memory_type"`
	Metadata   map[string]any `json:"metadata"`
}

// TestPolicy handles POST /v1/policy/test (admin): dry-runs the engine
// for a synthetic principal without touching any resource.
func (s *Server) TestPolicy(w http.ResponseWriter, r *http.Request) {
	p := principal(r)

	var req testPolicyReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	synthetic := &model.Identity{
		Role:     req.Role,
		Claims:   req.Claims,
		IsActive: true,
		TenantID: p.Scope.TenantID(),
	}
	d, err := s.Policies.Evaluate(r.Context(), policy.Input{
		Action:     req.Action,
		Resource:   req.Resource,
		Identity:   synthetic,
		ClientIP:   req.ClientIP,
		MemoryType: req.MemoryType,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
