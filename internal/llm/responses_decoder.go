package llm

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// responsesDecoder handles the typed-output dialect: one typed event per SSE
// frame, keyed by the "type" field. Function-call items open on
// response.output_item.added, grow through argument deltas, and are finalized
// whole by response.output_item.done; response.completed carries the full
// output list and the terminal usage.
type responsesDecoder struct {
	eventType string
	callIndex map[int]bool
}

func newResponsesDecoder() *responsesDecoder {
	return &responsesDecoder{callIndex: make(map[int]bool)}
}

type responsesEvent struct {
	Type        string           `json:"type"`
	OutputIndex int              `json:"output_index"`
	Delta       string           `json:"delta,omitempty"`
	Item        *responsesItem   `json:"item,omitempty"`
	Response    *responsesObject `json:"response,omitempty"`
	Message     string           `json:"message,omitempty"`
}

type responsesItem struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responsesObject struct {
	Output []responsesItem `json:"output,omitempty"`
	Usage  *responsesUsage `json:"usage,omitempty"`
	Error  *responsesError `json:"error,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responsesError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (d *responsesDecoder) Decode(line string) (StreamDelta, bool) {
	if strings.HasPrefix(line, "event: ") {
		d.eventType = strings.TrimPrefix(line, "event: ")
		return StreamDelta{}, false
	}
	if !strings.HasPrefix(line, "data: ") {
		return StreamDelta{}, false
	}
	data := strings.TrimPrefix(line, "data: ")
	if data == "[DONE]" {
		return StreamDelta{}, false
	}

	var ev responsesEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		log.Debug().Err(err).Str("dialect", "responses").Msg("skipping unparsable stream line")
		return StreamDelta{}, false
	}
	if ev.Type == "" {
		ev.Type = d.eventType
	}
	d.eventType = ""

	switch ev.Type {
	case "response.output_text.delta":
		if ev.Delta == "" {
			return StreamDelta{}, false
		}
		return StreamDelta{TextDelta: ev.Delta}, true

	case "response.reasoning_summary_text.delta":
		if ev.Delta == "" {
			return StreamDelta{}, false
		}
		return StreamDelta{ReasoningDelta: ev.Delta}, true

	case "response.output_item.added":
		if ev.Item == nil || ev.Item.Type != "function_call" {
			return StreamDelta{}, false
		}
		d.callIndex[ev.OutputIndex] = true
		return StreamDelta{ToolCalls: []ToolCallFragment{{
			Index: ev.OutputIndex,
			ID:    ev.Item.CallID,
			Name:  ev.Item.Name,
		}}}, true

	case "response.function_call_arguments.delta":
		if ev.Delta == "" {
			return StreamDelta{}, false
		}
		return StreamDelta{ToolCalls: []ToolCallFragment{{
			Index:        ev.OutputIndex,
			ArgsFragment: ev.Delta,
		}}}, true

	case "response.output_item.done":
		// Final arguments replace whatever was accumulated from deltas.
		if ev.Item == nil || ev.Item.Type != "function_call" || ev.Item.Arguments == "" {
			return StreamDelta{}, false
		}
		return StreamDelta{ToolCalls: []ToolCallFragment{{
			Index:        ev.OutputIndex,
			ID:           ev.Item.CallID,
			Name:         ev.Item.Name,
			ArgsFragment: ev.Item.Arguments,
			Final:        true,
		}}}, true

	case "response.completed":
		delta := StreamDelta{Finish: FinishStop}
		if ev.Response != nil {
			if ev.Response.Usage != nil {
				delta.Usage = &Usage{
					InputTokens:  ev.Response.Usage.InputTokens,
					OutputTokens: ev.Response.Usage.OutputTokens,
					TotalTokens:  ev.Response.Usage.TotalTokens,
				}
			}
			// Function-call items in the final output list arrive whole;
			// anything the incremental events missed is recovered here.
			for i, item := range ev.Response.Output {
				if item.Type != "function_call" {
					continue
				}
				delta.Finish = FinishToolCalls
				if d.callIndex[i] {
					continue
				}
				delta.ToolCalls = append(delta.ToolCalls, ToolCallFragment{
					Index:        i,
					ID:           item.CallID,
					Name:         item.Name,
					ArgsFragment: item.Arguments,
					Final:        true,
				})
			}
		}
		return delta, true

	case "response.failed", "error":
		msg := ev.Message
		if msg == "" && ev.Response != nil && ev.Response.Error != nil {
			msg = ev.Response.Error.Message
		}
		if msg == "" {
			msg = "unknown upstream error"
		}
		return StreamDelta{Finish: FinishError, ErrorMessage: msg}, true
	}

	return StreamDelta{}, false
}
