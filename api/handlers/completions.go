package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/libraxisai/lbrxserve/api"
	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/kernel"
	"github.com/libraxisai/lbrxserve/manager"
	"github.com/libraxisai/lbrxserve/types"
)

// Completions handles the legacy POST {prefix}/completions endpoint.
// Prompt accepts a string or a list; n produces multiple choices per
// prompt. Streaming is not offered here, only on the chat endpoint.
func (h *Handlers) Completions(w http.ResponseWriter, r *http.Request) {
	var req api.CompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if req.Stream {
		h.writeError(w, types.NewError(types.ErrBadRequest,
			"stream is not supported on the legacy completions endpoint"))
		return
	}
	if len(req.Prompt) == 0 {
		h.writeError(w, types.NewError(types.ErrBadRequest, "prompt must not be empty"))
		return
	}
	n := req.N
	if n <= 0 {
		n = 1
	}
	if n > 8 {
		h.writeError(w, types.NewError(types.ErrBadRequest, "n must be at most 8"))
		return
	}
	maxTokens, err := h.clampMaxTokens(req.MaxTokens)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := validateSampling(req.Temperature, req.TopP); err != nil {
		h.writeError(w, err)
		return
	}

	identity := auth.IdentityFrom(r.Context())
	decision, err := h.Router.Route(req.Model, identity.UserID, identity.Service)
	if err != nil {
		h.writeError(w, err)
		return
	}
	model := decision.Model
	if !h.Manager.IsLoaded(model) && !h.Preloader.AllowJIT(model) {
		h.writeError(w, types.NewError(types.ErrModelNotAdmissible,
			"model is not in the warm set: "+model))
		return
	}

	opts := kernel.GenerateOptions{
		MaxTokens:   maxTokens,
		Temperature: 0.7,
		TopP:        1.0,
		Stop:        req.Stop,
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		opts.TopP = *req.TopP
	}

	var (
		choices []api.CompletionChoice
		usage   api.Usage
	)
	for _, prompt := range req.Prompt {
		messages := []types.Message{types.NewUserMessage(prompt)}
		usage.PromptTokens += manager.CountTokens(kernel.RenderPrompt(messages))
		for i := 0; i < n; i++ {
			raw, finish, err := h.Manager.Generate(r.Context(), model, messages, opts)
			if err != nil {
				h.writeError(w, err)
				return
			}
			text := StripThink(raw)
			usage.CompletionTokens += manager.CountTokens(text)
			choices = append(choices, api.CompletionChoice{
				Index:        len(choices),
				Text:         text,
				FinishReason: finish,
			})
		}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	writeJSON(w, http.StatusOK, api.CompletionResponse{
		ID:      "cmpl-" + uuid.NewString(),
		Object:  "text_completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: choices,
		Usage:   usage,
	})
}
