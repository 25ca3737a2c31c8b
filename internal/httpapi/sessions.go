package httpapi

import (
	"net/http"

	"github.com/memkern/memkern/internal/apperr"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

type refreshReq struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RefreshSession handles POST /v1/sessions/refresh. Unauthenticated by
// design: the refresh token is the credential.
func (s *Server) RefreshSession(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	tokens, err := s.Sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// ListSessions handles GET /v1/sessions: the caller's own sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	sessions, err := s.Sessions.List(r.Context(), p.Scope, p.Identity.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// RevokeSession handles DELETE /v1/sessions/{id}.
func (s *Server) RevokeSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	ev := &model.IdentityEvent{EventType: event.SessionRevoked}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		sess, err := tx.SessionByID(ctx, p.Scope, id)
		if err != nil {
			return err
		}
		// Callers can only revoke their own sessions; admins any in
		// their tenant.
		if sess.IdentityID != p.Identity.ID && p.Role() != model.RoleAdmin && p.Role() != model.RoleSystem {
			return apperr.New(apperr.AccessDenied, "cannot revoke another identity's session")
		}
		if err := tx.RevokeSession(ctx, p.Scope, id); err != nil {
			return err
		}

		rt := "session"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.SessionRevoked,
			ActorID:      &p.Identity.ID,
			ResourceID:   &id,
			ResourceType: &rt,
			IP:           &ip,
			TenantID:     sess.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &sess.IdentityID
		ev.ActorID = &p.Identity.ID
		ev.TenantID = sess.TenantID
		ev.Payload = map[string]any{"session_id": id.String()}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	w.WriteHeader(http.StatusNoContent)
}

// RevokeAllSessions handles DELETE /v1/sessions: every session of the
// caller. ?except=current is not supported; the access token stays
// valid until expiry.
func (s *Server) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	ev := &model.IdentityEvent{EventType: event.SessionRevoked}
	var revoked int64
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		revoked, err = tx.RevokeSessionsForIdentity(ctx, p.Identity.ID, nil)
		if err != nil {
			return err
		}

		rt := "session"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.SessionRevoked,
			ActorID:      &p.Identity.ID,
			ResourceType: &rt,
			Meta:         map[string]any{"revoked": revoked},
			IP:           &ip,
			TenantID:     p.Identity.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &p.Identity.ID
		ev.ActorID = &p.Identity.ID
		ev.TenantID = p.Identity.TenantID
		ev.Payload = map[string]any{"revoked": revoked}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	writeJSON(w, http.StatusOK, map[string]any{"revoked": revoked})
}
