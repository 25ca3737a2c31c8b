package httpapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/session"
	"github.com/memkern/memkern/internal/store"
	"github.com/memkern/memkern/internal/usage"
)

type upsertIdentityReq struct {
	ExternalID string         `json:"external_id" validate:"required,max=255"`
	Role       string         `json:"role" validate:"required,oneof=user admin system"`
	Claims     map[string]any `json:"claims"`
}

type identityTokenResp struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	TokenType    string          `json:"token_type"`
	ExpiresIn    int             `json:"expires_in"`
	Identity     *model.Identity `json:"identity"`
}

// UpsertIdentity handles POST /v1/identity: create-or-update by
// external_id in the default tenant, returning a fresh token pair. The
// same external_id always maps to the same identity row; a repeat call
// updates role and claims in place.
func (s *Server) UpsertIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req upsertIdentityReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	sc := store.TenantScope(s.DefaultTenantID)
	in := &model.Identity{
		ExternalID: req.ExternalID,
		Role:       req.Role,
		Claims:     req.Claims,
	}

	var ident *model.Identity
	var created bool
	ev := &model.IdentityEvent{}
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		ident, created, err = tx.UpsertIdentity(ctx, sc, in)
		if err != nil {
			return err
		}

		eventType := event.IdentityUpdated
		if created {
			eventType = event.IdentityCreated
		}
		rt := "identity"
		ip := clientIP(r)
		ua := r.UserAgent()
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    eventType,
			ActorID:      &ident.ID,
			ResourceID:   &ident.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"external_id": ident.ExternalID, "role": ident.Role},
			IP:           &ip,
			UserAgent:    &ua,
			TenantID:     ident.TenantID,
		}); err != nil {
			return err
		}

		ev.EventType = eventType
		ev.IdentityID = &ident.ID
		ev.TenantID = ident.TenantID
		ev.Payload = map[string]any{"external_id": ident.ExternalID, "role": ident.Role}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	tokens, _, err := s.Sessions.Issue(ctx, ident, session.RequestMeta{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	s.Meter.Record(ctx, ident.TenantID, &ident.ID, nil, usage.APIRequest, 1, nil)

	writeJSON(w, http.StatusOK, identityTokenResp{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    tokens.ExpiresIn,
		Identity:     ident,
	})
}

// Me handles GET /v1/identity/me.
func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, principal(r).Identity)
}

// GetIdentity handles GET /v1/identity/{id} (admin).
func (s *Server) GetIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	ident, err := s.Store.IdentityByID(r.Context(), principal(r).Scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

type updateIdentityReq struct {
	Role     *string        `json:"role" validate:"omitempty,oneof=user admin system"`
	Claims   map[string]any `json:"claims"`
	IsActive *bool          `json:"is_active"`
}

// UpdateIdentity handles PUT /v1/identity/{id} (admin).
func (s *Server) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updateIdentityReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var ident *model.Identity
	ev := &model.IdentityEvent{EventType: event.IdentityUpdated}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		before, err := tx.IdentityByID(ctx, p.Scope, id)
		if err != nil {
			return err
		}
		ident, err = tx.UpdateIdentity(ctx, p.Scope, id, store.IdentityPatch{
			Role:     req.Role,
			Claims:   req.Claims,
			IsActive: req.IsActive,
		})
		if err != nil {
			return err
		}

		rt := "identity"
		ip := clientIP(r)
		ua := r.UserAgent()
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.IdentityUpdated,
			ActorID:      &p.Identity.ID,
			ResourceID:   &ident.ID,
			ResourceType: &rt,
			BeforeState:  map[string]any{"role": before.Role, "is_active": before.IsActive},
			AfterState:   map[string]any{"role": ident.Role, "is_active": ident.IsActive},
			IP:           &ip,
			UserAgent:    &ua,
			TenantID:     ident.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &ident.ID
		ev.ActorID = &p.Identity.ID
		ev.TenantID = ident.TenantID
		ev.Payload = map[string]any{"role": ident.Role, "is_active": ident.IsActive}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	writeJSON(w, http.StatusOK, ident)
}

// DeactivateIdentity handles DELETE /v1/identity/{id} (admin). The
// identity is deactivated, not erased, and all its sessions die with it.
func (s *Server) DeactivateIdentity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	ev := &model.IdentityEvent{EventType: event.IdentityDeactivated}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		ident, err := tx.IdentityByID(ctx, p.Scope, id)
		if err != nil {
			return err
		}
		if err := tx.DeactivateIdentity(ctx, p.Scope, id); err != nil {
			return err
		}
		if _, err := tx.RevokeSessionsForIdentity(ctx, id, nil); err != nil {
			return err
		}

		rt := "identity"
		ip := clientIP(r)
		ua := r.UserAgent()
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.IdentityDeactivated,
			ActorID:      &p.Identity.ID,
			ResourceID:   &id,
			ResourceType: &rt,
			BeforeState:  map[string]any{"is_active": true, "external_id": ident.ExternalID},
			AfterState:   map[string]any{"is_active": false},
			IP:           &ip,
			UserAgent:    &ua,
			TenantID:     ident.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &id
		ev.ActorID = &p.Identity.ID
		ev.TenantID = ident.TenantID
		ev.Payload = map[string]any{"external_id": ident.ExternalID}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	log.Ctx(ctx).Info().Str("identity_id", id.String()).Msg("identity deactivated")
	w.WriteHeader(http.StatusNoContent)
}
