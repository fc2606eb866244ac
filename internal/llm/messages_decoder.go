package llm

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// messagesDecoder handles the event-typed dialect: typed SSE events carrying
// content-block deltas. Tool calls open with a tool_use content_block_start
// (id and name), grow through input_json_delta fragments, and close on
// content_block_stop.
type messagesDecoder struct {
	eventType  string
	openBlocks map[int]bool // block indexes currently holding a tool_use
}

func newMessagesDecoder() *messagesDecoder {
	return &messagesDecoder{openBlocks: make(map[int]bool)}
}

type messagesEvent struct {
	Type         string              `json:"type"`
	Index        int                 `json:"index"`
	ContentBlock *messagesBlock      `json:"content_block,omitempty"`
	Delta        *messagesDelta      `json:"delta,omitempty"`
	Usage        *messagesUsage      `json:"usage,omitempty"`
	Message      *messagesMsgPayload `json:"message,omitempty"`
	Error        *messagesError      `json:"error,omitempty"`
}

type messagesBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Text  string          `json:"text,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type messagesDelta struct {
	Type        string         `json:"type"`
	Text        string         `json:"text,omitempty"`
	Thinking    string         `json:"thinking,omitempty"`
	PartialJSON string         `json:"partial_json,omitempty"`
	StopReason  string         `json:"stop_reason,omitempty"`
	Usage       *messagesUsage `json:"usage,omitempty"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type messagesMsgPayload struct {
	Usage *messagesUsage `json:"usage,omitempty"`
}

type messagesError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (d *messagesDecoder) Decode(line string) (StreamDelta, bool) {
	if strings.HasPrefix(line, "event: ") {
		d.eventType = strings.TrimPrefix(line, "event: ")
		return StreamDelta{}, false
	}
	if !strings.HasPrefix(line, "data: ") {
		return StreamDelta{}, false
	}
	data := strings.TrimPrefix(line, "data: ")

	var ev messagesEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		log.Debug().Err(err).Str("dialect", "messages").Msg("skipping unparsable stream line")
		return StreamDelta{}, false
	}
	if ev.Type == "" {
		ev.Type = d.eventType
	}
	d.eventType = ""

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return StreamDelta{}, false
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			d.openBlocks[ev.Index] = true
			frag := ToolCallFragment{
				Index: ev.Index,
				ID:    ev.ContentBlock.ID,
				Name:  ev.ContentBlock.Name,
			}
			// Some upstreams put a complete input object on the start event.
			if len(ev.ContentBlock.Input) > 0 && string(ev.ContentBlock.Input) != "{}" {
				frag.ArgsFragment = string(ev.ContentBlock.Input)
			}
			return StreamDelta{ToolCalls: []ToolCallFragment{frag}}, true
		case "text":
			if ev.ContentBlock.Text != "" {
				return StreamDelta{TextDelta: ev.ContentBlock.Text}, true
			}
		}
		return StreamDelta{}, false

	case "content_block_delta":
		if ev.Delta == nil {
			return StreamDelta{}, false
		}
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text != "" {
				return StreamDelta{TextDelta: ev.Delta.Text}, true
			}
		case "thinking_delta":
			if ev.Delta.Thinking != "" {
				return StreamDelta{ReasoningDelta: ev.Delta.Thinking}, true
			}
		case "input_json_delta":
			if ev.Delta.PartialJSON != "" {
				return StreamDelta{ToolCalls: []ToolCallFragment{{
					Index:        ev.Index,
					ArgsFragment: ev.Delta.PartialJSON,
				}}}, true
			}
		}
		return StreamDelta{}, false

	case "content_block_stop":
		delete(d.openBlocks, ev.Index)
		return StreamDelta{}, false

	case "message_delta":
		var delta StreamDelta
		if ev.Delta != nil {
			switch ev.Delta.StopReason {
			case "":
			case "tool_use":
				delta.Finish = FinishToolCalls
			default:
				delta.Finish = FinishStop
			}
		}
		if ev.Usage != nil {
			delta.Usage = &Usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
				TotalTokens:  ev.Usage.InputTokens + ev.Usage.OutputTokens,
			}
		}
		if delta.IsZero() {
			return StreamDelta{}, false
		}
		return delta, true

	case "message_stop":
		// Final usage, when present, supersedes earlier snapshots.
		if ev.Message != nil && ev.Message.Usage != nil {
			return StreamDelta{Usage: &Usage{
				InputTokens:  ev.Message.Usage.InputTokens,
				OutputTokens: ev.Message.Usage.OutputTokens,
				TotalTokens:  ev.Message.Usage.InputTokens + ev.Message.Usage.OutputTokens,
			}}, true
		}
		return StreamDelta{}, false

	case "error":
		msg := "unknown upstream error"
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return StreamDelta{Finish: FinishError, ErrorMessage: msg}, true
	}

	return StreamDelta{}, false
}
