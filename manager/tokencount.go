package manager

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/libraxisai/lbrxserve/types"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens estimates the token count of text. It uses the cl100k_base
// encoding when available and falls back to word count times 1.3, the same
// approximation the runtime uses when no tokenizer is loaded.
func CountTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return int(float64(len(strings.Fields(text))) * 1.3)
}

// CountMessageTokens sums the token counts of every message's content.
func CountMessageTokens(messages []types.Message) int {
	var total int
	for _, m := range messages {
		total += CountTokens(m.Content)
	}
	return total
}
