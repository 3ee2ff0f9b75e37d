// Package api defines the OpenAI-compatible wire types the gateway speaks.
// The shapes follow the public chat and legacy completion schemas, with two
// gateway extensions: session_id on chat requests and the journal request id
// echoed in response headers.
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libraxisai/lbrxserve/types"
)

// StringOrSlice accepts either a JSON string or an array of strings, as the
// stop and prompt fields do.
type StringOrSlice []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings")
	}
	*s = many
	return nil
}

// MarshalJSON implements json.Marshaler, collapsing single values back to a
// bare string.
func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// ChatMessage is one wire-format conversation message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatCompletionRequest is the POST /chat/completions body.
type ChatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	N           int           `json:"n,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        StringOrSlice `json:"stop,omitempty"`
	Seed        *int64        `json:"seed,omitempty"`
	User        string        `json:"user,omitempty"`
	// SessionID attaches the request to a stored conversation.
	SessionID string `json:"session_id,omitempty"`
}

// CompletionRequest is the legacy POST /completions body.
type CompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Prompt      StringOrSlice `json:"prompt"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	N           int           `json:"n,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        StringOrSlice `json:"stop,omitempty"`
	User        string        `json:"user,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is one chat completion alternative.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming chat reply.
type ChatCompletionResponse struct {
	ID                string       `json:"id"`
	Object            string       `json:"object"`
	Created           int64        `json:"created"`
	Model             string       `json:"model"`
	SystemFingerprint string       `json:"system_fingerprint,omitempty"`
	Choices           []ChatChoice `json:"choices"`
	Usage             Usage        `json:"usage"`
	// SessionID echoes the session the exchange was stored in.
	SessionID string `json:"session_id,omitempty"`
}

// ChatDelta is the incremental message fragment in a stream chunk.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatChunkChoice is one choice in a stream chunk.
type ChatChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE event payload.
type ChatCompletionChunk struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Created           int64             `json:"created"`
	Model             string            `json:"model"`
	SystemFingerprint string            `json:"system_fingerprint,omitempty"`
	Choices           []ChatChunkChoice `json:"choices"`
}

// CompletionChoice is one legacy completion alternative.
type CompletionChoice struct {
	Index        int    `json:"index"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason"`
}

// CompletionResponse is the legacy completion reply.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   Usage              `json:"usage"`
}

// Model is one entry in the model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	// Loaded reports whether the model is currently resident.
	Loaded bool `json:"loaded"`
}

// ModelList is the GET /models reply.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// ErrorBody is the OpenAI error envelope member.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ToMessages converts wire messages to internal ones, validating roles.
func ToMessages(in []ChatMessage) ([]types.Message, error) {
	out := make([]types.Message, 0, len(in))
	for i, m := range in {
		role := types.Role(m.Role)
		if !role.Valid() {
			return nil, types.NewError(types.ErrBadRequest,
				fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role))
		}
		out = append(out, types.Message{
			Role:      role,
			Content:   m.Content,
			Name:      m.Name,
			Timestamp: time.Now(),
		})
	}
	return out, nil
}
