package httpapi

import (
	"net/http"

	"github.com/memkern/memkern/internal/auth"
	"github.com/memkern/memkern/internal/model"
	"github.com/memkern/memkern/internal/store"
)

type createWebhookReq struct {
	Name   string   `json:"name" validate:"required,max=255"`
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events" validate:"required,min=1"`
}

type createWebhookResp struct {
	Webhook *model.Webhook `json:"webhook"`
	Secret  string         `json:"secret"`
}

// CreateWebhook handles POST /v1/webhooks (admin). The signing secret
// is generated server-side and returned once.
func (s *Server) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	var req createWebhookReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	secret, _ := auth.NewOpaqueToken("whsec_")
	hook := &model.Webhook{
		Name:      req.Name,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    secret,
		CreatedBy: p.Identity.ID,
	}

	err := s.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateWebhook(ctx, p.Scope, hook); err != nil {
			return err
		}
		rt := "webhook"
		ip := clientIP(r)
		return tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    "webhook.created",
			ActorID:      &p.Identity.ID,
			ResourceID:   &hook.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"name": hook.Name, "url": hook.URL, "events": hook.Events},
			IP:           &ip,
			TenantID:     hook.TenantID,
		})
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createWebhookResp{Webhook: hook, Secret: secret})
}

// ListWebhooks handles GET /v1/webhooks (admin).
func (s *Server) ListWebhooks(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	hooks, err := s.Store.Webhooks(r.Context(), p.Scope)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

// GetWebhook handles GET /v1/webhooks/{id} (admin).
func (s *Server) GetWebhook(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	hook, err := s.Store.WebhookByID(r.Context(), p.Scope, id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

type updateWebhookReq struct {
	Name     *string  `json:"name" validate:"omitempty,max=255"`
	URL      *string  `json:"url" validate:"omitempty,url"`
	Events   []string `json:"events"`
	IsActive *bool    `json:"is_active"`
}

// UpdateWebhook handles PUT /v1/webhooks/{id} (admin).
func (s *Server) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var req updateWebhookReq
	if err := s.decodeBody(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	var hook *model.Webhook
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		hook, err = tx.UpdateWebhook(ctx, p.Scope, id, store.WebhookPatch{
			Name:     req.Name,
			URL:      req.URL,
			Events:   req.Events,
			IsActive: req.IsActive,
		})
		if err != nil {
			return err
		}
		rt := "webhook"
		ip := clientIP(r)
		return tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    "webhook.updated",
			ActorID:      &p.Identity.ID,
			ResourceID:   &hook.ID,
			ResourceType: &rt,
			AfterState:   map[string]any{"name": hook.Name, "url": hook.URL, "is_active": hook.IsActive},
			IP:           &ip,
			TenantID:     hook.TenantID,
		})
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hook)
}

// DeleteWebhook handles DELETE /v1/webhooks/{id} (admin).
func (s *Server) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	err = s.Store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.DeleteWebhook(ctx, p.Scope, id); err != nil {
			return err
		}
		rt := "webhook"
		ip := clientIP(r)
		return tx.InsertAudit(ctx, &model.AuditLog{
			EventType:    "webhook.deleted",
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

// ListDeliveries handles GET /v1/webhooks/{id}/deliveries (admin).
func (s *Server) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	id, err := idParam(r, "id")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	// Hook must exist in the caller's scope before deliveries show.
	if _, err := s.Store.WebhookByID(r.Context(), p.Scope, id); err != nil {
		writeErr(w, r, err)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	deliveries, err := s.Store.DeliveriesForWebhook(r.Context(), p.Scope, id, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

// RetryDelivery handles POST /v1/webhooks/{id}/deliveries/{d}/retry
// (admin): puts a failed delivery back in the retry queue with a fresh
// attempt budget.
func (s *Server) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := principal(r)

	deliveryID, err := idParam(r, "d")
	if err != nil {
		writeErr(w, r, err)
		return
	}

	d, err := s.Store.ResetDelivery(ctx, p.Scope, deliveryID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
