package kernel

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// StubRuntime is an in-process runtime used in development and tests. It
// verifies that the model path exists (unless StrictPaths is off), tracks a
// synthetic memory ledger, and produces deterministic echo completions.
type StubRuntime struct {
	// Reply computes the completion text from the rendered prompt. The
	// default echoes the prompt's last user turn.
	Reply func(prompt string) string
	// TokenDelay throttles streamed chunks, simulating decode latency.
	TokenDelay time.Duration
	// StrictPaths makes Load fail when the model path does not exist.
	StrictPaths bool
	// MemoryPerModelGB is charged to the ledger per loaded model.
	MemoryPerModelGB float64

	mu     sync.Mutex
	active float64
	peak   float64
}

// NewStubRuntime returns a stub with echo replies and no artificial delay.
func NewStubRuntime() *StubRuntime {
	return &StubRuntime{
		Reply:            EchoReply,
		MemoryPerModelGB: 0.1,
	}
}

// EchoReply extracts the last user turn from a rendered prompt and echoes it.
func EchoReply(prompt string) string {
	const marker = "User: "
	idx := strings.LastIndex(prompt, marker)
	if idx < 0 {
		return "OK."
	}
	turn := prompt[idx+len(marker):]
	if end := strings.Index(turn, "\n\n"); end >= 0 {
		turn = turn[:end]
	}
	return "You said: " + turn
}

// Load implements Runtime.
func (r *StubRuntime) Load(ctx context.Context, path string, kind string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.StrictPaths {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("model path %s: %w", path, err)
		}
	}
	r.mu.Lock()
	r.active += r.MemoryPerModelGB
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
	return &stubModel{runtime: r}, nil
}

// Memory implements Runtime.
func (r *StubRuntime) Memory() MemoryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return MemoryStats{ActiveGB: r.active, PeakGB: r.peak}
}

type stubModel struct {
	runtime *StubRuntime
	closed  bool
}

func (m *stubModel) Stream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan Chunk, error) {
	if m.closed {
		return nil, fmt.Errorf("model is closed")
	}
	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		text := m.runtime.Reply(prompt)
		words := strings.SplitAfter(text, " ")
		emitted := 0
		for _, w := range words {
			if emitted >= opts.MaxTokens {
				out <- Chunk{Done: true, FinishReason: "length"}
				return
			}
			if m.runtime.TokenDelay > 0 {
				select {
				case <-time.After(m.runtime.TokenDelay):
				case <-ctx.Done():
					out <- Chunk{Done: true, Err: ctx.Err()}
					return
				}
			} else if err := ctx.Err(); err != nil {
				out <- Chunk{Done: true, Err: err}
				return
			}
			if stopsAt(w, opts.Stop) {
				out <- Chunk{Done: true, FinishReason: "stop"}
				return
			}
			out <- Chunk{Text: w}
			emitted++
		}
		out <- Chunk{Done: true, FinishReason: "stop"}
	}()
	return out, nil
}

func stopsAt(text string, stops []string) bool {
	for _, s := range stops {
		if s != "" && strings.Contains(text, s) {
			return true
		}
	}
	return false
}

func (m *stubModel) Tokenizer() Tokenizer { return wordTokenizer{} }

func (m *stubModel) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.runtime.mu.Lock()
	m.runtime.active -= m.runtime.MemoryPerModelGB
	if m.runtime.active < 0 {
		m.runtime.active = 0
	}
	m.runtime.mu.Unlock()
	return nil
}

// wordTokenizer approximates token counts as words times 1.3.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int {
	n := len(strings.Fields(text))
	return int(float64(n) * 1.3)
}
