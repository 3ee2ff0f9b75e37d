package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/router"
	"github.com/libraxisai/lbrxserve/types"
)

type overrideRequest struct {
	// Service scopes the override; empty or "*" applies to every service.
	Service string `json:"service,omitempty"`
	Model   string `json:"model"`
}

// GetRouting handles GET {prefix}/routing: the caller's overrides plus the
// model the next unqualified request would land on.
func (h *Handlers) GetRouting(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	decision, err := h.Router.Route("", identity.UserID, identity.Service)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   identity.Service,
		"model":     decision.Model,
		"source":    string(decision.Source),
		"overrides": h.Router.Overrides(identity.UserID),
	})
}

// SetRoutingOverride handles PUT {prefix}/routing/override.
func (h *Handlers) SetRoutingOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Model == "" {
		h.writeError(w, types.NewError(types.ErrBadRequest, "model is required"))
		return
	}
	identity := auth.IdentityFrom(r.Context())
	if err := h.Router.SetOverride(identity.UserID, req.Service, req.Model); err != nil {
		h.writeError(w, err)
		return
	}
	service := req.Service
	if service == "" {
		service = router.Wildcard
	}
	h.Log.Info("routing override set",
		zap.String("user", identity.UserID),
		zap.String("service", service),
		zap.String("model", req.Model))
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   service,
		"overrides": h.Router.Overrides(identity.UserID),
	})
}

// ClearRoutingOverride handles DELETE {prefix}/routing/override. The
// service query parameter narrows the clear; without it every override of
// the caller goes away.
func (h *Handlers) ClearRoutingOverride(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFrom(r.Context())
	service := r.URL.Query().Get("service")
	h.Router.ClearOverride(identity.UserID, service)
	writeJSON(w, http.StatusOK, map[string]any{
		"overrides": h.Router.Overrides(identity.UserID),
	})
}
