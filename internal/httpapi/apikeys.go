package httpapi

import (
	"net/http"
	"time"

	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/event"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

type createApiKeyReq struct {
	Name          string   `json:"name" validate:"required,max=255"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays *int     `json:"expires_in_days" validate:"omitempty,min=1,max=3650"`
}

type createApiKeyResp struct {
	ApiKey    *model.ApiKey `json:"api_key"`
	SecretKey string        `json:"secret_key"`
}

// CreateApiKey handles POST /v1/api-keys. The plaintext key is returned
// exactly once; only its hash is stored.
func (s *Server) CreateApiKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req createApiKeyReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	plaintext, hash := auth.NewOpaqueToken(s.KeyPrefix)
	key := &model.ApiKey{
		Name:       req.Name,
		KeyHash:    hash,
		IdentityID: p.Identity.ID,
		Scopes:     req.Scopes,
	}
	if req.ExpiresInDays != nil {
		t := time.Now().UTC().AddDate(0, 0, *req.ExpiresInDays)
		key.ExpiresAt = &t
	}

	ev := &model.IdentityEvent{EventType: event.APIKeyCreated}
	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateApiKey(ctx, p.Scope, key); err != nil {
			return err
		}

		rt := "api_key"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.APIKeyCreated,
			ActorID:      &p.Identity.ID,
			ResourceID:   &key.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"name": key.Name, "scopes": key.Scopes},
			IP:           &ip,
			TenantID:     key.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &p.Identity.ID
		ev.ActorID = &p.Identity.ID
		ev.TenantID = key.TenantID
		ev.Payload = map[string]any{"api_key_id": key.ID.String(), "name": key.Name}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	writeJSON(w, http.StatusCreated, createApiKeyResp{ApiKey: key, SecretKey: plaintext})
}

// ListApiKeys handles GET /v1/api-keys: the caller's own keys.
func (s *Server) ListApiKeys(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	keys, err := s.Store.ApiKeysForIdentity(r.Context(), p.Scope, p.Identity.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

// TestApiKey handles POST /v1/api-keys/test: a no-op that succeeds only
// when the presented credential resolved. Useful for smoke-testing a
// freshly issued key.
func (s *Server) TestApiKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	resp := map[string]any{
		"ok":          true,
		"external_id": p.Identity.ExternalID,
		"role":        p.Role(),
	}
	if p.APIKey != nil {
		resp["api_key_id"] = p.APIKey.ID
		resp["scopes"] = p.APIKey.Scopes
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetApiKey handles GET /v1/api-keys/{id}.
func (s *Server) GetApiKey(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	key, err := s.Store.ApiKeyByID(r.Context(), p.Scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

type updateApiKeyReq struct {
	Name   *string  `json:"name" validate:"omitempty,max=255"`
	Scopes []string `json:"scopes"`
}

// UpdateApiKey handles PUT /v1/api-keys/{id}.
func (s *Server) UpdateApiKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updateApiKeyReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var key *model.ApiKey
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		key, err = tx.UpdateApiKey(ctx, p.Scope, id, store.ApiKeyPatch{
			Name:   req.Name,
			Scopes: req.Scopes,
		})
		if err != nil {
			return err
		}
		rt := "api_key"
		ip := clientIP(r)
		return tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    "api_key.updated",
			ActorID:      &p.Identity.ID,
			ResourceID:   &key.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"name": key.Name, "scopes": key.Scopes},
			IP:           &ip,
			TenantID:     key.TenantID,
		})
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// RevokeApiKey handles DELETE /v1/api-keys/{id}. Revocation is a
// deactivation: the row stays for audit.
func (s *Server) RevokeApiKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	ev := &model.IdentityEvent{EventType: event.APIKeyRevoked}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		key, err := tx.ApiKeyByID(ctx, p.Scope, id)
		if err != nil {
			return err
		}
		if err := tx.RevokeApiKey(ctx, p.Scope, id); err != nil {
			return err
		}

		rt := "api_key"
		ip := clientIP(r)
		if err := tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    event.APIKeyRevoked,
			ActorID:      &p.Identity.ID,
			ResourceID:   &id,
			ResourceType: &rt,
			BeforeState:  map[string]any{"is_active": true, "name": key.Name},
			AfterState:   map[string]any{"is_active": false},
			IP:           &ip,
			TenantID:     key.TenantID,
		}); err != nil {
			return err
		}

		ev.IdentityID = &key.IdentityID
		ev.ActorID = &p.Identity.ID
		ev.TenantID = key.TenantID
		ev.Payload = map[string]any{"api_key_id": id.String()}
		return s.Bus.Record(ctx, tx, ev)
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	s.Bus.Publish(ev)

	w.WriteHeader(http.StatusNoContent)
}
