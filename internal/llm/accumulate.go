package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ToolCall is one complete tool call reconstructed from stream fragments.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Accumulator folds StreamDeltas from one upstream sub-turn into running
// text/reasoning buffers, a tool-call fragment map, and the terminal usage.
// One fresh accumulator per upstream request; never shared across turns.
type Accumulator struct {
	// Only the chat-completions dialect embeds reasoning inline in the text
	// channel behind markers; the other dialects carry reasoning out of band
	// and their answers may legitimately contain the marker text.
	splitThinking bool
	extractor     ThinkingExtractor
	text          strings.Builder
	reasoning     strings.Builder

	byIndex map[int]*callState
	order   []int

	usage  *Usage
	finish FinishSignal
	errMsg string
}

type callState struct {
	id   string
	name string
	args strings.Builder
}

func NewAccumulator(dialect Dialect) *Accumulator {
	return &Accumulator{
		splitThinking: dialect == DialectChat,
		byIndex:       make(map[int]*callState),
	}
}

// Fold consumes one delta. For the chat dialect, text deltas pass through the
// thinking extractor so inline reasoning markers are separated even when they
// straddle chunks.
func (a *Accumulator) Fold(d StreamDelta) {
	if d.TextDelta != "" {
		if a.splitThinking {
			a.extractor.Feed(d.TextDelta)
		} else {
			a.text.WriteString(d.TextDelta)
		}
	}
	if d.ReasoningDelta != "" {
		a.reasoning.WriteString(d.ReasoningDelta)
	}
	for _, frag := range d.ToolCalls {
		state, ok := a.byIndex[frag.Index]
		if !ok {
			state = &callState{}
			a.byIndex[frag.Index] = state
			a.order = append(a.order, frag.Index)
		}
		if frag.ID != "" {
			state.id = frag.ID
		}
		if frag.Name != "" {
			state.name = frag.Name
		}
		if frag.Final {
			state.args.Reset()
		}
		if frag.ArgsFragment != "" {
			state.args.WriteString(frag.ArgsFragment)
		}
	}
	if d.Usage != nil {
		// Terminal usage is final for the sub-turn.
		u := *d.Usage
		a.usage = &u
	}
	if d.Finish != FinishNone {
		a.finish = d.Finish
		a.errMsg = d.ErrorMessage
	}
}

// Text returns the current visible answer.
func (a *Accumulator) Text() string {
	if a.splitThinking {
		text, _ := a.extractor.Result()
		return text
	}
	return a.text.String()
}

// Reasoning returns the current reasoning trace: explicit reasoning deltas
// followed by anything extracted from inline thinking markers.
func (a *Accumulator) Reasoning() string {
	if !a.splitThinking {
		return a.reasoning.String()
	}
	_, extracted := a.extractor.Result()
	if a.reasoning.Len() == 0 {
		return extracted
	}
	return a.reasoning.String() + extracted
}

// Usage returns the terminal usage snapshot, if one was observed.
func (a *Accumulator) Usage() *Usage {
	return a.usage
}

// Finish returns the sub-turn's terminal signal.
func (a *Accumulator) Finish() FinishSignal {
	return a.finish
}

// ErrorMessage returns the upstream error text for FinishError sub-turns.
func (a *Accumulator) ErrorMessage() string {
	return a.errMsg
}

// Calls finalizes the accumulated fragments into complete tool calls, in
// index order. Calls whose arguments never became valid JSON are dropped
// with a warning; missing IDs are filled in.
func (a *Accumulator) Calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Ints(a.order)
	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		state := a.byIndex[idx]
		args := state.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			log.Warn().Str("tool", state.name).Msg("dropping tool call with incomplete argument JSON")
			continue
		}
		calls = append(calls, ToolCall{
			ID:   state.id,
			Name: state.name,
			Args: json.RawMessage(args),
		})
	}
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("toolcall-%d", i+1)
		}
	}
	return calls
}

// HasCalls reports whether any tool-call fragments were observed.
func (a *Accumulator) HasCalls() bool {
	return len(a.order) > 0
}
