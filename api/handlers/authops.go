package handlers

import (
	"net/http"
	"time"

	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/types"
)

type tokenRequest struct {
	TTLHours int `json:"ttl_hours,omitempty"`
}

// CreateToken handles POST {prefix}/auth/token: mints a JWT bound to the
// caller's current identity.
func (h *Handlers) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			h.writeError(w, err)
			return
		}
	}
	ttl := 24 * time.Hour
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}
	identity := auth.IdentityFrom(r.Context())
	token, err := h.Auth.CreateToken(identity.UserID, identity.Service, ttl)
	if err != nil {
		h.writeError(w, types.NewError(types.ErrInternal, "failed to mint token").WithCause(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int64(ttl.Seconds()),
	})
}

// CreateAPIKey handles POST {prefix}/auth/keys: generates a fresh lbrx_
// key. The key is returned once and never stored; operators add it to
// API_KEYS themselves.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]any{
		"api_key": auth.GenerateAPIKey(),
		"note":    "add this key to API_KEYS to activate it",
	})
}
