package llm

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// chatDecoder handles the chat-completions SSE dialect.
type chatDecoder struct {
	lastEventType string
}

func newChatDecoder() *chatDecoder {
	return &chatDecoder{}
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Model   string        `json:"model"`
	Choices []chatChoice  `json:"choices"`
	Usage   *chatUsage    `json:"usage,omitempty"`
	Error   *chatAPIError `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int        `json:"index"`
	Delta        *chatDelta `json:"delta,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

type chatDelta struct {
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolDelta `json:"tool_calls,omitempty"`
}

type chatToolDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (d *chatDecoder) Decode(line string) (StreamDelta, bool) {
	if strings.HasPrefix(line, "event: ") {
		d.lastEventType = strings.TrimPrefix(line, "event: ")
		return StreamDelta{}, false
	}
	if !strings.HasPrefix(line, "data: ") {
		return StreamDelta{}, false
	}
	data := strings.TrimPrefix(line, "data: ")
	if data == "[DONE]" {
		// End-of-stream sentinel, a no-op event rather than a decode error.
		return StreamDelta{}, false
	}

	var chunk chatChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log.Debug().Err(err).Str("dialect", "chat").Msg("skipping unparsable stream line")
		return StreamDelta{}, false
	}

	if d.lastEventType == "error" || chunk.Error != nil {
		d.lastEventType = ""
		msg := "unknown upstream error"
		if chunk.Error != nil {
			msg = chunk.Error.Message
		}
		return StreamDelta{Finish: FinishError, ErrorMessage: msg}, true
	}
	d.lastEventType = ""

	var delta StreamDelta
	if chunk.Usage != nil {
		delta.Usage = &Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
			TotalTokens:  chunk.Usage.TotalTokens,
		}
	}

	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			delta.TextDelta += choice.Delta.Content
			delta.ReasoningDelta += choice.Delta.ReasoningContent
			for _, call := range choice.Delta.ToolCalls {
				delta.ToolCalls = append(delta.ToolCalls, ToolCallFragment{
					Index:        call.Index,
					ID:           call.ID,
					Name:         call.Function.Name,
					ArgsFragment: call.Function.Arguments,
				})
			}
		}
		switch choice.FinishReason {
		case "":
		case "tool_calls":
			delta.Finish = FinishToolCalls
		default:
			delta.Finish = FinishStop
		}
	}

	if delta.IsZero() {
		return StreamDelta{}, false
	}
	return delta, true
}
