package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/session"
	"github.com/memkern/memkern/internal/store"
)

const invitationTTL = 7 * 24 * time.Hour

type createInvitationReq struct {
	Email  string         `json:"email" validate:"required,email"`
	Role   string         `json:"role" validate:"required,oneof=user admin"`
	Claims map[string]any `json:"claims"`
}

// CreateInvitation handles POST /v1/invitations (admin). No email is
// sent; the token is returned to the caller for out-of-band delivery.
func (s *Server) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req createInvitationReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	tenantID := s.DefaultTenantID
	if t := p.Scope.TenantID(); t != nil {
		tenantID = *t
	}

	token, _ := auth.NewOpaqueToken("inv_")
	inv := &model.Invitation{
		Email:     req.Email,
		Role:      req.Role,
		Claims:    req.Claims,
		Token:     token,
		InvitedBy: &p.Identity.ID,
		ExpiresAt: time.Now().UTC().Add(invitationTTL),
		TenantID:  tenantID,
	}

	ev := &model.IdentityEvent{EventType: event.InvitationCreated}
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateInvitation(ctx, inv); err != nil {
			return err
		}
		rt := "invitation"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.InvitationCreated,
			ActorID:      &p.Identity.ID,
			ResourceID:   &inv.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"email": inv.Email, "role": inv.Role},
			IP:           &ip,
			TenantID:     &inv.TenantID,
		}); err != nil {
			return err
		}
		ev.ActorID = &p.Identity.ID
		ev.TenantID = &inv.TenantID
		ev.Payload = map[string]any{"invitation_id": inv.ID.String(), "email": inv.Email}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	writeJSON(w, http.StatusCreated, inv)
}

// ListInvitations handles GET /v1/invitations (admin).
func (s *Server) ListInvitations(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	invs, err := s.Store.Invitations(r.Context(), p.Scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invitations": invs})
}

// AcceptInvitation handles POST /v1/invitations/accept/{token}:
// unauthenticated, single use. Accepting mints the invited identity (or
// reuses one with the same external_id) and issues a first session.
func (s *Server) AcceptInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := chi.URLParam(r, "token")
	if token == "" {
		writeErr(w, r, apperr.New(apperr.ValidationFailed, "missing invitation token"))
		return
	}

	var ident *model.Identity
	ev := &model.IdentityEvent{EventType: event.InvitationAccepted}
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		inv, err := tx.AcceptInvitation(ctx, token)
		if err != nil {
			return err
		}

		sc := store.TenantScope(inv.TenantID)
		ident, _, err = tx.UpsertIdentity(ctx, sc, &model.Identity{
			ExternalID: inv.Email,
			Role:       inv.Role,
			Claims:     inv.Claims,
		})
		if err != nil {
			return err
		}

		rt := "invitation"
		ip := clientIP(r)
		ua := r.UserAgent()
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.InvitationAccepted,
			ActorID:      &ident.ID,
			ResourceID:   &inv.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"email": inv.Email, "identity_id": ident.ID.String()},
			IP:           &ip,
			UserAgent:    &ua,
			TenantID:     &inv.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &ident.ID
		ev.TenantID = &inv.TenantID
		ev.Payload = map[string]any{"invitation_id": inv.ID.String(), "email": inv.Email}
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

	writeJSON(w, http.StatusOK, identityTokenResp{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokens.TokenType,
		ExpiresIn:    tokens.ExpiresIn,
		Identity:     ident,
	})
}

// DeleteInvitation handles DELETE /v1/invitations/{id} (admin).
func (s *Server) DeleteInvitation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.DeleteInvitation(ctx, p.Scope, id); err != nil {
			return err
		}
		rt := "invitation"
		ip := clientIP(r)
		return tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    "invitation.deleted",
			ActorID:      &p.Identity.ID,
			ResourceID:   &id,
			ResourceType: &rt,
			IP:           &ip,
			TenantID:     p.Scope.TenantID(),
		})
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
