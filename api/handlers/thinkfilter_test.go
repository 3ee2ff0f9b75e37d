package handlers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestStripThink(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no block", "plain answer", "plain answer"},
		{"single block", "<think>hmm</think>The answer is 4.", "The answer is 4."},
		{"block in middle", "Yes.<think>why though</think> Because.", "Yes. Because."},
		{"multiple blocks", "<think>a</think>x<think>b</think>y", "xy"},
		{"multiline block", "<think>line1\nline2</think>ok", "ok"},
		{"only block returns original", "<think>all reasoning</think>", "<think>all reasoning</think>"},
		{"whitespace only after strip", "<think>a</think>   ", "<think>a</think>   "},
		{"unterminated swallows rest", "Sure.<think>never closed", "Sure."},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripThink(tt.in))
		})
	}
}

func feedAll(f *ThinkFilter, chunks []string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(f.Feed(c))
	}
	b.WriteString(f.Flush())
	return b.String()
}

func TestThinkFilterWholeChunk(t *testing.T) {
	f := &ThinkFilter{}
	got := feedAll(f, []string{"<think>internal</think>Hello there"})
	assert.Equal(t, "Hello there", got)
}

func TestThinkFilterSplitTag(t *testing.T) {
	f := &ThinkFilter{}
	got := feedAll(f, []string{"<thi", "nk>secret</th", "ink>visible"})
	assert.Equal(t, "visible", got)
}

func TestThinkFilterAngleBracketNotTag(t *testing.T) {
	f := &ThinkFilter{}
	got := feedAll(f, []string{"a < b and ", "<three> items"})
	assert.Equal(t, "a < b and <three> items", got)
}

func TestThinkFilterUnterminated(t *testing.T) {
	f := &ThinkFilter{}
	got := feedAll(f, []string{"ok<think>never", " closes"})
	assert.Equal(t, "ok", got)
}

// Output must not depend on how the stream was chunked.
func TestThinkFilterChunkingInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom([]string{
			"hello", " world", "<think>", "</think>", "<", ">", "think",
			"</", "a<think>b</think>c", "\n", "<thi", "nk>", "é✓",
		}), 0, 12).Draw(t, "parts")
		text := strings.Join(parts, "")

		whole := feedAll(&ThinkFilter{}, []string{text})

		cuts := rapid.SliceOfN(rapid.IntRange(0, len(text)), 0, 6).Draw(t, "cuts")
		chunks := splitAt(text, cuts)
		split := feedAll(&ThinkFilter{}, chunks)

		assert.Equal(t, whole, split)
	})
}

func splitAt(s string, cuts []int) []string {
	points := append([]int{0}, cuts...)
	points = append(points, len(s))
	for i := 1; i < len(points); i++ {
		for j := i; j > 0 && points[j] < points[j-1]; j-- {
			points[j], points[j-1] = points[j-1], points[j]
		}
	}
	var out []string
	for i := 1; i < len(points); i++ {
		out = append(out, s[points[i-1]:points[i]])
	}
	return out
}
