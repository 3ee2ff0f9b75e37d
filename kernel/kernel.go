// Package kernel defines the boundary between the gateway and the native
// inference runtime. The gateway never talks to model weights directly; it
// drives a Runtime through these interfaces, and the manager serializes all
// calls into it.
package kernel

import (
	"context"

	"github.com/libraxisai/lbrxserve/types"
)

// GenerateOptions parametrizes a single generation call.
type GenerateOptions struct {
	// MaxTokens caps the number of generated tokens. Zero means the model
	// produces an empty completion.
	MaxTokens int
	// Sampling parameters.
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	// Stop strings end generation when emitted. They are matched on decoded
	// text, never on special tokens.
	Stop []string
	// Seed fixes sampling when non-zero.
	Seed int64
}

// Chunk is one unit of streamed output. A terminal chunk has Done set and
// carries the finish reason; Err is set instead when generation failed.
type Chunk struct {
	Text         string
	Done         bool
	FinishReason string
	Err          error
}

// MemoryStats reports runtime memory usage in GB.
type MemoryStats struct {
	ActiveGB float64 `json:"active_gb"`
	PeakGB   float64 `json:"peak_gb"`
	CacheGB  float64 `json:"cache_gb"`
}

// Tokenizer counts and encodes text for a loaded model.
type Tokenizer interface {
	// Count returns the number of tokens in the text.
	Count(text string) int
}

// Model is a loaded model instance. Calls must be serialized by the caller.
type Model interface {
	// Stream generates a completion for the rendered prompt, emitting chunks
	// until a terminal chunk. The channel is closed after the terminal
	// chunk. Cancelling ctx ends the stream with a terminal chunk carrying
	// ctx.Err().
	Stream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan Chunk, error)
	// Tokenizer returns the model's tokenizer.
	Tokenizer() Tokenizer
	// Close releases the model's memory.
	Close() error
}

// Runtime loads models and reports memory pressure.
type Runtime interface {
	// Load materializes the model stored at path. kind selects the text or
	// vision flavor.
	Load(ctx context.Context, path string, kind string) (Model, error)
	// Memory reports current runtime memory usage.
	Memory() MemoryStats
}

// RenderPrompt flattens a conversation into a single prompt string using the
// plain chat format: each message as "{Role}: {content}" separated by blank
// lines, with a trailing assistant cue.
func RenderPrompt(messages []types.Message) string {
	var b []byte
	for _, m := range messages {
		b = append(b, titleRole(m.Role)...)
		b = append(b, ": "...)
		b = append(b, m.Content...)
		b = append(b, "\n\n"...)
	}
	b = append(b, "Assistant: "...)
	return string(b)
}

func titleRole(r types.Role) string {
	switch r {
	case types.RoleSystem:
		return "System"
	case types.RoleUser:
		return "User"
	case types.RoleAssistant:
		return "Assistant"
	case types.RoleTool:
		return "Tool"
	}
	return "User"
}
