package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/api"
	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/kernel"
	"github.com/libraxisai/lbrxserve/manager"
	"github.com/libraxisai/lbrxserve/session"
	"github.com/libraxisai/lbrxserve/types"
)

// ChatCompletions handles POST {prefix}/chat/completions.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.ChatCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		h.writeError(w, types.NewError(types.ErrBadRequest, "messages must not be empty"))
		return
	}
	newMessages, err := api.ToMessages(req.Messages)
	if err != nil {
		h.writeError(w, err)
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
	instance := h.Preloader.InstanceFor(model)
	h.Log.Info("chat completion",
		zap.String("model", model),
		zap.String("instance", instance),
		zap.String("route_source", string(decision.Source)),
		zap.String("service", identity.Service),
		zap.Bool("stream", req.Stream))

	// Sessions prepend the stored conversation and persist the exchange.
	// An unknown session id starts a fresh session under that id.
	var sess *session.Session
	conversation := newMessages
	if req.SessionID != "" {
		sess, err = h.Sessions.Get(r.Context(), req.SessionID)
		switch {
		case err == nil:
			conversation = append(append([]types.Message{}, sess.Messages...), newMessages...)
		case types.GetErrorCode(err) == types.ErrSessionNotFound:
			sess = session.New(identity.UserID, identity.Service, model)
			sess.ID = req.SessionID
			if err := h.Sessions.Create(r.Context(), sess); err != nil {
				h.writeError(w, err)
				return
			}
			h.Log.Info("session created on first use", zap.String("session", sess.ID))
		default:
			h.writeError(w, err)
			return
		}
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
	if req.Seed != nil {
		opts.Seed = *req.Seed
	}

	id := "chatcmpl-" + uuid.NewString()
	if req.Stream {
		h.streamChat(w, r, id, model, conversation, newMessages, sess, opts)
		return
	}

	raw, finish, err := h.Manager.Generate(r.Context(), model, conversation, opts)
	if err != nil {
		raw, finish, err = h.retryWithFallback(r.Context(), model, conversation, opts, err)
		if err != nil {
			h.writeError(w, err)
			return
		}
	}
	content := StripThink(raw)

	if sess != nil {
		sess.Append(newMessages...)
		sess.Append(types.NewAssistantMessage(content))
		if err := h.Sessions.Save(r.Context(), sess); err != nil {
			h.Log.Warn("failed to persist session", zap.String("session", sess.ID), zap.Error(err))
		}
	}

	prompt := kernel.RenderPrompt(conversation)
	usage := api.Usage{
		PromptTokens:     manager.CountTokens(prompt),
		CompletionTokens: manager.CountTokens(content),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	resp := api.ChatCompletionResponse{
		ID:                id,
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: h.Fingerprint(),
		Choices: []api.ChatChoice{{
			Message:      api.ChatMessage{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: usage,
	}
	if sess != nil {
		resp.SessionID = sess.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// retryWithFallback reruns a failed generation on the configured fallback
// model, once.
func (h *Handlers) retryWithFallback(ctx context.Context, model string, msgs []types.Message, opts kernel.GenerateOptions, cause error) (string, string, error) {
	e := types.AsError(cause)
	if !e.Retryable {
		return "", "", cause
	}
	next, ok := h.Router.Fallback(model)
	if !ok {
		return "", "", cause
	}
	if !h.Manager.IsLoaded(next) && !h.Preloader.AllowJIT(next) {
		return "", "", cause
	}
	h.Log.Warn("falling back to secondary model",
		zap.String("from", model), zap.String("to", next), zap.Error(cause))
	return h.Manager.Generate(ctx, next, msgs, opts)
}

// streamChat writes the completion as server-sent events: a role chunk,
// content chunks with reasoning blocks filtered out, a finish chunk, then
// the [DONE] sentinel.
func (h *Handlers) streamChat(w http.ResponseWriter, r *http.Request, id, model string, conversation, newMessages []types.Message, sess *session.Session, opts kernel.GenerateOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, types.NewError(types.ErrInternal, "streaming unsupported by connection"))
		return
	}

	src, err := h.Manager.StreamGenerate(r.Context(), model, conversation, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()
	chunk := func(delta api.ChatDelta, finish *string) api.ChatCompletionChunk {
		return api.ChatCompletionChunk{
			ID:                id,
			Object:            "chat.completion.chunk",
			Created:           created,
			Model:             model,
			SystemFingerprint: h.Fingerprint(),
			Choices:           []api.ChatChunkChoice{{Delta: delta, FinishReason: finish}},
		}
	}
	send := func(c api.ChatCompletionChunk) {
		data, err := json.Marshal(c)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	send(chunk(api.ChatDelta{Role: "assistant"}, nil))

	filter := &ThinkFilter{}
	var full string
	finish := "stop"
	for c := range src {
		if c.Done {
			if c.Err != nil {
				// A failed generation must be distinguishable from a clean
				// one: emit a trailing error frame and close without the
				// [DONE] sentinel.
				h.Log.Warn("stream failed mid-generation", zap.String("id", id), zap.Error(c.Err))
				e := types.NewError(types.ErrGenerationFailed, "generation failed").WithCause(c.Err)
				if data, err := json.Marshal(apiErrorEnvelope(e)); err == nil {
					fmt.Fprintf(w, "data: %s\n\n", data)
					flusher.Flush()
				}
				return
			}
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			break
		}
		if text := filter.Feed(c.Text); text != "" {
			full += text
			send(chunk(api.ChatDelta{Content: text}, nil))
		}
	}
	if tail := filter.Flush(); tail != "" {
		full += tail
		send(chunk(api.ChatDelta{Content: tail}, nil))
	}

	send(chunk(api.ChatDelta{}, &finish))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	if sess != nil {
		sess.Append(newMessages...)
		sess.Append(types.NewAssistantMessage(full))
		if err := h.Sessions.Save(r.Context(), sess); err != nil {
			h.Log.Warn("failed to persist session", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}
