package llm

import "encoding/json"

// FinishSignal classifies how an upstream sub-turn ended.
type FinishSignal int

const (
	FinishNone FinishSignal = iota
	FinishToolCalls
	FinishStop
	FinishError
)

func (f FinishSignal) String() string {
	switch f {
	case FinishToolCalls:
		return "tool_calls"
	case FinishStop:
		return "stop"
	case FinishError:
		return "error"
	default:
		return "none"
	}
}

// Usage holds token counts reported by the upstream on a terminal event.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add folds another usage snapshot into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// ToolCallFragment is one partial or whole tool call carried by a decoded
// event. Index keys fragments of the same call across events. ID and Name are
// set once when the upstream first announces the call; ArgsFragment substrings
// are concatenated in arrival order. Final marks fragments whose ArgsFragment
// is the complete argument object (structured-parts and typed-output dialects).
type ToolCallFragment struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
	Final        bool
}

// StreamDelta is the normalized form of one decoded upstream event.
// Produced by exactly one decoder and consumed immediately, never retained.
type StreamDelta struct {
	TextDelta      string
	ReasoningDelta string
	ToolCalls      []ToolCallFragment
	Usage          *Usage
	Finish         FinishSignal
	ErrorMessage   string
}

// IsZero reports whether the delta carries nothing.
func (d StreamDelta) IsZero() bool {
	return d.TextDelta == "" && d.ReasoningDelta == "" && len(d.ToolCalls) == 0 &&
		d.Usage == nil && d.Finish == FinishNone && d.ErrorMessage == ""
}

// InvocationStatus tracks one tool invocation's lifecycle.
type InvocationStatus string

const (
	StatusInvoking InvocationStatus = "invoking"
	StatusDone     InvocationStatus = "done"
	StatusError    InvocationStatus = "error"
)

// ToolInvocation is one resolved, executed tool call requested by the model.
// Status transitions invoking -> done|error exactly once.
type ToolInvocation struct {
	ID       string           `json:"id"`
	ToolName string           `json:"tool_name"`
	Server   string           `json:"server"`
	Args     json.RawMessage  `json:"args"`
	Status   InvocationStatus `json:"status"`
	Response string           `json:"response,omitempty"`
}

// AccumulatedResponse is the running reconstruction of one logical model
// turn. Text and reasoning hold the current sub-turn only; Invocations spans
// every tool round of the turn.
type AccumulatedResponse struct {
	Text        string
	Reasoning   string
	Invocations []ToolInvocation
	Usage       Usage
	Finished    bool
}

// ResetSubTurn clears the per-sub-turn text and reasoning before a
// continuation request. The invocation list is preserved for the final
// persisted record.
func (a *AccumulatedResponse) ResetSubTurn() {
	a.Text = ""
	a.Reasoning = ""
}
