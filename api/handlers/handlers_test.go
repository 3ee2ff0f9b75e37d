package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/libraxisai/lbrxserve/api"
	"github.com/libraxisai/lbrxserve/auth"
	"github.com/libraxisai/lbrxserve/config"
	"github.com/libraxisai/lbrxserve/kernel"
	"github.com/libraxisai/lbrxserve/manager"
	"github.com/libraxisai/lbrxserve/preloader"
	"github.com/libraxisai/lbrxserve/registry"
	"github.com/libraxisai/lbrxserve/router"
	"github.com/libraxisai/lbrxserve/session"
	"github.com/libraxisai/lbrxserve/types"
)

func newTestHandlers(t *testing.T, rt kernel.Runtime) *Handlers {
	t.Helper()
	cfg := config.Default()
	cfg.Models.Dir = t.TempDir()
	log := zaptest.NewLogger(t)
	reg := registry.Default()
	if rt == nil {
		rt = kernel.NewStubRuntime()
	}
	mgr := manager.New(log, reg, rt, manager.Options{
		ModelsDir:   cfg.Models.Dir,
		MaxMemoryGB: 1000,
	})
	store := session.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	authn, err := auth.New(false, nil, "", "HS256")
	require.NoError(t, err)
	return &Handlers{
		Log:       log,
		Cfg:       cfg,
		Registry:  reg,
		Manager:   mgr,
		Router:    router.New(reg, cfg.Models.DefaultModel, nil, nil),
		Preloader: preloader.New(log, reg, mgr, nil, false, 0),
		Sessions:  store,
		Auth:      authn,
		Started:   time.Now(),
	}
}

func testMux(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chat/completions", h.ChatCompletions)
	mux.HandleFunc("POST /api/v1/completions", h.Completions)
	mux.HandleFunc("GET /api/v1/models", h.ListModels)
	mux.HandleFunc("GET /api/v1/models/{id}", h.GetModel)
	mux.HandleFunc("POST /api/v1/models/{id}/load", h.LoadModel)
	mux.HandleFunc("POST /api/v1/models/{id}/unload", h.UnloadModel)
	mux.HandleFunc("POST /api/v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/messages", h.SessionMessages)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("GET /api/v1/models/memory/usage", h.Memory)
	mux.HandleFunc("GET /api/v1/routing", h.GetRouting)
	mux.HandleFunc("PUT /api/v1/routing/override", h.SetRoutingOverride)
	mux.HandleFunc("DELETE /api/v1/routing/override", h.ClearRoutingOverride)
	mux.HandleFunc("GET /health", h.Health)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletion(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	rec := doJSON(t, mux, "POST", "/api/v1/chat/completions",
		`{"model":"fast","messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "llama-3.2-1b", resp.Model)
	assert.Equal(t, "mlx-localhost", resp.SystemFingerprint)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
	assert.Equal(t, "You said: hello", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Positive(t, resp.Usage.PromptTokens)
	assert.Positive(t, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestChatCompletionStripsThink(t *testing.T) {
	rt := kernel.NewStubRuntime()
	rt.Reply = func(string) string { return "<think>pondering</think>The answer." }
	h := newTestHandlers(t, rt)

	rec := doJSON(t, testMux(h), "POST", "/api/v1/chat/completions",
		`{"messages":[{"role":"user","content":"q"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "The answer.", resp.Choices[0].Message.Content)
}

func TestChatCompletionValidation(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	tests := []struct {
		name   string
		body   string
		status int
		etype  string
	}{
		{"empty messages", `{"messages":[]}`, 400, "invalid_request_error"},
		{"bad role", `{"messages":[{"role":"robot","content":"x"}]}`, 400, "invalid_request_error"},
		{"negative max_tokens", `{"messages":[{"role":"user","content":"x"}],"max_tokens":-1}`, 400, "invalid_request_error"},
		{"max_tokens over limit", `{"messages":[{"role":"user","content":"x"}],"max_tokens":40000}`, 400, "invalid_request_error"},
		{"temperature too high", `{"messages":[{"role":"user","content":"x"}],"temperature":3}`, 400, "invalid_request_error"},
		{"negative temperature", `{"messages":[{"role":"user","content":"x"}],"temperature":-0.5}`, 400, "invalid_request_error"},
		{"top_p over one", `{"messages":[{"role":"user","content":"x"}],"top_p":1.5}`, 400, "invalid_request_error"},
		{"not json", `{{{`, 400, "invalid_request_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, mux, "POST", "/api/v1/chat/completions", tt.body)
			assert.Equal(t, tt.status, rec.Code)
			var envelope api.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.Equal(t, tt.etype, envelope.Error.Type)
		})
	}
}

func TestChatCompletionZeroMaxTokens(t *testing.T) {
	h := newTestHandlers(t, nil)
	rec := doJSON(t, testMux(h), "POST", "/api/v1/chat/completions",
		`{"messages":[{"role":"user","content":"x"}],"max_tokens":0}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "length", resp.Choices[0].FinishReason)
}

func TestChatCompletionJITVeto(t *testing.T) {
	h := newTestHandlers(t, nil)
	// Strict preloader with an empty warm set vetoes everything.
	h.Preloader = preloader.New(zaptest.NewLogger(t), h.Registry, h.Manager, nil, true, 0)

	rec := doJSON(t, testMux(h), "POST", "/api/v1/chat/completions",
		`{"messages":[{"role":"user","content":"x"}]}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestChatSessionFlow(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	rec := doJSON(t, mux, "POST", "/api/v1/sessions", `{"model":"fast"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	body := fmt.Sprintf(
		`{"model":"fast","session_id":%q,"messages":[{"role":"user","content":"hi"}]}`,
		created.ID)
	rec = doJSON(t, mux, "POST", "/api/v1/chat/completions", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, created.ID, resp.SessionID)

	rec = doJSON(t, mux, "GET", "/api/v1/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail sessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, 2, detail.MessageCount, "user turn plus assistant reply")
	assert.Equal(t, "assistant", detail.Messages[1].Role)
}

func TestChatSessionCreatedOnFirstUse(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	// An unseen session id starts a fresh session under that id.
	rec := doJSON(t, mux, "POST", "/api/v1/chat/completions",
		`{"session_id":"fresh-convo","messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fresh-convo", resp.SessionID)

	rec = doJSON(t, mux, "GET", "/api/v1/sessions/fresh-convo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail sessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, 2, detail.MessageCount)
}

func TestChatUnknownModelFallsThrough(t *testing.T) {
	h := newTestHandlers(t, nil)

	// A model outside the whitelist is ignored; routing proceeds as if no
	// model was named.
	rec := doJSON(t, testMux(h), "POST", "/api/v1/chat/completions",
		`{"model":"gpt-4o","messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, h.Cfg.Models.DefaultModel, resp.Model)
}

func TestCreateSessionWithIDAndTTL(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	rec := doJSON(t, mux, "POST", "/api/v1/sessions",
		`{"session_id":"my-session","data":{"client":"cli"},"ttl":600}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "my-session", created.ID)

	sess, err := h.Sessions.Get(t.Context(), "my-session")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"client": "cli"}, sess.Data)
	assert.Equal(t, 600, sess.TTLSeconds)

	rec = doJSON(t, mux, "POST", "/api/v1/sessions", `{"ttl":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionMessagesLimit(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	sess := session.New("alice", "default", "fast")
	sess.Append(
		types.NewUserMessage("one"),
		types.NewAssistantMessage("two"),
		types.NewUserMessage("three"),
		types.NewAssistantMessage("four"),
	)
	require.NoError(t, h.Sessions.Create(t.Context(), sess))

	rec := doJSON(t, mux, "GET", "/api/v1/sessions/"+sess.ID+"/messages?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Messages []sessionMessage `json:"messages"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 2, out.Count)
	assert.Equal(t, "three", out.Messages[0].Content, "limit keeps the most recent messages")
	assert.Equal(t, "four", out.Messages[1].Content)

	rec = doJSON(t, mux, "GET", "/api/v1/sessions/"+sess.ID+"/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 4, out.Count)

	rec = doJSON(t, mux, "GET", "/api/v1/sessions/"+sess.ID+"/messages?limit=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, "GET", "/api/v1/sessions/ghost/messages", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// sseEvents parses "data: ..." lines from an SSE body.
func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestChatStreaming(t *testing.T) {
	rt := kernel.NewStubRuntime()
	rt.Reply = func(string) string { return "<think>mull it over</think>streamed reply here" }
	h := newTestHandlers(t, rt)

	rec := doJSON(t, testMux(h), "POST", "/api/v1/chat/completions",
		`{"model":"fast","stream":true,"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "[DONE]", events[len(events)-1])

	var first api.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[0]), &first))
	assert.Equal(t, "chat.completion.chunk", first.Object)
	assert.Equal(t, "assistant", first.Choices[0].Delta.Role)
	assert.Nil(t, first.Choices[0].FinishReason)

	var content string
	for _, raw := range events[1 : len(events)-2] {
		var c api.ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(raw), &c))
		content += c.Choices[0].Delta.Content
	}
	assert.Equal(t, "streamed reply here", content, "think block never reaches the wire")

	var last api.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-2]), &last))
	require.NotNil(t, last.Choices[0].FinishReason)
	assert.Equal(t, "stop", *last.Choices[0].FinishReason)
}

// faultyRuntime loads models whose streams die partway through.
type faultyRuntime struct{}

func (r *faultyRuntime) Load(ctx context.Context, path, kind string) (kernel.Model, error) {
	return &faultyModel{}, nil
}

func (r *faultyRuntime) Memory() kernel.MemoryStats { return kernel.MemoryStats{} }

type faultyModel struct{}

func (m *faultyModel) Stream(ctx context.Context, prompt string, opts kernel.GenerateOptions) (<-chan kernel.Chunk, error) {
	out := make(chan kernel.Chunk, 2)
	out <- kernel.Chunk{Text: "partial "}
	out <- kernel.Chunk{Done: true, Err: errors.New("decoder crashed")}
	close(out)
	return out, nil
}

func (m *faultyModel) Tokenizer() kernel.Tokenizer { return nil }
func (m *faultyModel) Close() error                { return nil }

func TestChatStreamingMidStreamError(t *testing.T) {
	h := newTestHandlers(t, &faultyRuntime{})

	rec := doJSON(t, testMux(h), "POST", "/api/v1/chat/completions",
		`{"model":"fast","stream":true,"messages":[{"role":"user","content":"x"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, "headers are already sent when the stream dies")

	body := rec.Body.String()
	assert.NotContains(t, body, "[DONE]", "a failed stream never looks finished")

	events := sseEvents(t, body)
	require.NotEmpty(t, events)
	var envelope api.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1]), &envelope),
		"the trailing frame is an error envelope")
	assert.Equal(t, "server_error", envelope.Error.Type)
}

func TestCompletionsPromptList(t *testing.T) {
	h := newTestHandlers(t, nil)
	rec := doJSON(t, testMux(h), "POST", "/api/v1/completions",
		`{"model":"fast","prompt":["one","two"],"n":2}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp api.CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "text_completion", resp.Object)
	require.Len(t, resp.Choices, 4)
	for i, c := range resp.Choices {
		assert.Equal(t, i, c.Index)
	}
}

func TestCompletionsStringPrompt(t *testing.T) {
	h := newTestHandlers(t, nil)
	rec := doJSON(t, testMux(h), "POST", "/api/v1/completions",
		`{"model":"fast","prompt":"single"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.CompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "You said: single", resp.Choices[0].Text)
}

func TestCompletionsRejectsStream(t *testing.T) {
	h := newTestHandlers(t, nil)
	rec := doJSON(t, testMux(h), "POST", "/api/v1/completions",
		`{"prompt":"x","stream":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListModels(t *testing.T) {
	h := newTestHandlers(t, nil)
	require.NoError(t, h.Manager.Load(t.Context(), "fast"))
	// An on-disk model outside the catalog shows up too.
	require.NoError(t, os.MkdirAll(
		filepath.Join(h.Cfg.Models.Dir, "someone--custom-model"), 0o755))

	rec := doJSON(t, testMux(h), "GET", "/api/v1/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list api.ModelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	byID := make(map[string]api.Model)
	for _, m := range list.Data {
		byID[m.ID] = m
	}
	assert.True(t, byID["mlx-community/Llama-3.2-1B-Instruct-4bit"].Loaded)
	assert.False(t, byID["LibraxisAI/Qwen3-14b-MLX-Q5"].Loaded)
	assert.Equal(t, "local", byID["someone/custom-model"].OwnedBy)
}

func TestGetModelPathEncoding(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	rec := doJSON(t, mux, "GET", "/api/v1/models/LibraxisAI--Qwen3-14b-MLX-Q5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m api.Model
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "LibraxisAI/Qwen3-14b-MLX-Q5", m.ID)

	rec = doJSON(t, mux, "GET", "/api/v1/models/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoadUnloadEndpoints(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	rec := doJSON(t, mux, "POST", "/api/v1/models/fast/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, h.Manager.IsLoaded("fast"))

	rec = doJSON(t, mux, "POST", "/api/v1/models/fast/unload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, h.Manager.IsLoaded("fast"))

	rec = doJSON(t, mux, "POST", "/api/v1/models/fast/unload", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutingOverrideEndpoints(t *testing.T) {
	h := newTestHandlers(t, nil)
	mux := testMux(h)

	rec := doJSON(t, mux, "PUT", "/api/v1/routing/override",
		`{"service":"vista","model":"phi-3"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, "GET", "/api/v1/routing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var routing struct {
		Model     string            `json:"model"`
		Source    string            `json:"source"`
		Overrides map[string]string `json:"overrides"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routing))
	assert.Equal(t, map[string]string{"vista": "phi-3"}, routing.Overrides)

	rec = doJSON(t, mux, "DELETE", "/api/v1/routing/override?service=vista", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, mux, "GET", "/api/v1/routing", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routing))
	assert.Empty(t, routing.Overrides)
}

func TestHealth(t *testing.T) {
	h := newTestHandlers(t, nil)
	require.NoError(t, h.Manager.Load(t.Context(), "fast"))

	rec := doJSON(t, testMux(h), "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status       string   `json:"status"`
		LoadedModels []string `json:"loaded_models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"llama-3.2-1b"}, health.LoadedModels)
}
