// Package handlers implements the gateway's HTTP endpoints on top of the
// model manager, router, and session store.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/config"
	"github.com/libraxisai/lbrxserve/manager"
	"github.com/libraxisai/lbrxserve/preloader"
	"github.com/libraxisai/lbrxserve/registry"
	"github.com/libraxisai/lbrxserve/router"
	"github.com/libraxisai/lbrxserve/session"
	"github.com/libraxisai/lbrxserve/types"
)

// Handlers bundles the endpoint implementations with their collaborators.
// Everything is injected; nothing here owns a lifecycle.
type Handlers struct {
	Log       *zap.Logger
	Cfg       *config.Config
	Registry  *registry.Registry
	Manager   *manager.Manager
	Router    *router.Router
	Preloader *preloader.Preloader
	Sessions  session.Store
	Auth      *auth.Authenticator
	Started   time.Time
}

// Fingerprint is the system_fingerprint value stamped on completions.
func (h *Handlers) Fingerprint() string {
	return "mlx-" + h.Cfg.Server.PrimaryDomain
}

// errorType maps internal codes onto the OpenAI error envelope's type field.
func errorType(code types.ErrorCode) string {
	switch code {
	case types.ErrBadRequest, types.ErrModelNotAdmissible:
		return "invalid_request_error"
	case types.ErrUnauthenticated:
		return "authentication_error"
	case types.ErrRateLimited:
		return "rate_limit_error"
	case types.ErrModelNotFound, types.ErrSessionNotFound:
		return "not_found_error"
	default:
		return "server_error"
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	e := types.AsError(err)
	if e.Status() >= 500 {
		h.Log.Error("request failed", zap.Error(err))
	} else {
		h.Log.Debug("request rejected", zap.Error(err))
	}
	writeJSON(w, e.Status(), apiErrorEnvelope(e))
}

func apiErrorEnvelope(e *types.Error) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"message": e.Message,
			"type":    errorType(e.Code),
			"code":    string(e.Code),
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return types.NewError(types.ErrBadRequest, "invalid JSON body").WithCause(err)
	}
	return nil
}

// clampMaxTokens applies the default and the hard ceiling. Negative values
// and values over the ceiling are rejected; zero is honored and yields an
// empty completion.
func (h *Handlers) clampMaxTokens(requested *int) (int, error) {
	if requested == nil {
		return h.Cfg.Models.MaxTokensDefault, nil
	}
	if *requested < 0 {
		return 0, types.NewError(types.ErrBadRequest, "max_tokens must be non-negative")
	}
	if *requested > h.Cfg.Models.MaxTokensLimit {
		return 0, types.NewError(types.ErrBadRequest,
			fmt.Sprintf("max_tokens may not exceed %d", h.Cfg.Models.MaxTokensLimit))
	}
	return *requested, nil
}

// validateSampling checks the sampling parameter ranges: temperature in
// [0, 2], top_p in [0, 1]. Nil means the default applies.
func validateSampling(temperature, topP *float64) error {
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return types.NewError(types.ErrBadRequest, "temperature must be between 0 and 2")
	}
	if topP != nil && (*topP < 0 || *topP > 1) {
		return types.NewError(types.ErrBadRequest, "top_p must be between 0 and 1")
	}
	return nil
}
