package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkingExtractor separates an inline reasoning trace from the visible
// answer. Some upstreams embed reasoning in the main text channel between
// open/close markers, and a marker can straddle a chunk boundary, so the
// extractor re-scans the combined buffer on every feed. The final
// answer/reasoning split is identical no matter where the text was chunked.
type ThinkingExtractor struct {
	answer    string
	reasoning string
	thinking  bool
}

// Feed consumes one text delta and updates the running buffers.
func (t *ThinkingExtractor) Feed(delta string) {
	for delta != "" {
		if !t.thinking {
			combined := t.answer + delta
			idx := strings.Index(combined, thinkOpen)
			if idx < 0 {
				t.answer = combined
				return
			}
			// The open marker may have straddled a boundary; everything
			// after it belongs to the reasoning buffer.
			t.answer = combined[:idx]
			t.thinking = true
			delta = combined[idx+len(thinkOpen):]
			continue
		}

		combined := t.reasoning + delta
		idx := strings.Index(combined, thinkClose)
		if idx < 0 {
			t.reasoning = combined
			return
		}
		t.reasoning = combined[:idx]
		t.thinking = false
		delta = combined[idx+len(thinkClose):]
	}
}

// Result returns the final (answer, reasoning) pair. Whitespace-only
// reasoning is discarded.
func (t *ThinkingExtractor) Result() (string, string) {
	reasoning := t.reasoning
	if strings.TrimSpace(reasoning) == "" {
		reasoning = ""
	}
	return t.answer, reasoning
}

// Thinking reports whether the extractor is currently inside a reasoning
// segment.
func (t *ThinkingExtractor) Thinking() bool {
	return t.thinking
}
