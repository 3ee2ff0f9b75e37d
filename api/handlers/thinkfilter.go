package handlers

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// StripThink removes <think>...</think> reasoning blocks from a complete
// response. If nothing remains after stripping, the original text is
// returned so the caller never serves an empty reply.
func StripThink(text string) string {
	var b strings.Builder
	rest := text
	for {
		open := strings.Index(rest, thinkOpen)
		if open < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		after := rest[open+len(thinkOpen):]
		close := strings.Index(after, thinkClose)
		if close < 0 {
			// Unterminated block swallows the remainder.
			break
		}
		rest = after[close+len(thinkClose):]
	}
	cleaned := strings.TrimSpace(b.String())
	if cleaned == "" {
		return text
	}
	return cleaned
}

// ThinkFilter removes reasoning blocks from streamed text. It tolerates
// tags split across arbitrary chunk boundaries by holding back any suffix
// that could be the start of a tag, so output is independent of chunking.
type ThinkFilter struct {
	buf    string
	inside bool
}

// Feed consumes the next chunk and returns the text that is safe to emit.
func (f *ThinkFilter) Feed(chunk string) string {
	f.buf += chunk
	var out strings.Builder
	for {
		if f.inside {
			idx := strings.Index(f.buf, thinkClose)
			if idx < 0 {
				// Swallow all but a possible partial closing tag.
				f.buf = tailOverlap(f.buf, thinkClose)
				return out.String()
			}
			f.buf = f.buf[idx+len(thinkClose):]
			f.inside = false
			continue
		}
		idx := strings.Index(f.buf, thinkOpen)
		if idx < 0 {
			hold := tailOverlap(f.buf, thinkOpen)
			out.WriteString(f.buf[:len(f.buf)-len(hold)])
			f.buf = hold
			return out.String()
		}
		out.WriteString(f.buf[:idx])
		f.buf = f.buf[idx+len(thinkOpen):]
		f.inside = true
	}
}

// Flush returns whatever is still held back once the stream ends. Text
// inside an unterminated block stays swallowed.
func (f *ThinkFilter) Flush() string {
	if f.inside {
		f.buf = ""
		return ""
	}
	out := f.buf
	f.buf = ""
	return out
}

// tailOverlap returns the longest suffix of s that is a proper prefix of
// tag.
func tailOverlap(s, tag string) string {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(tag, s[len(s)-n:]) {
			return s[len(s)-n:]
		}
	}
	return ""
}
