package llm

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"
)

// partsDecoder handles the structured-parts dialect. Every event carries a
// full parts array mixing text, reasoning ("thought") and function-call
// parts; function calls arrive whole, never fragmented. Usage rides on the
// terminal event's usageMetadata.
type partsDecoder struct {
	nextCall int
}

func newPartsDecoder() *partsDecoder {
	return &partsDecoder{}
}

type partsChunk struct {
	Candidates    []partsCandidate `json:"candidates"`
	UsageMetadata *partsUsage      `json:"usageMetadata,omitempty"`
	Error         *partsError      `json:"error,omitempty"`
}

type partsCandidate struct {
	Content      *partsContent `json:"content,omitempty"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type partsContent struct {
	Role  string      `json:"role,omitempty"`
	Parts []partsPart `json:"parts,omitempty"`
}

type partsPart struct {
	Text         string             `json:"text,omitempty"`
	Thought      bool               `json:"thought,omitempty"`
	FunctionCall *partsFunctionCall `json:"functionCall,omitempty"`
	InlineData   *partsInlineData   `json:"inlineData,omitempty"`
}

type partsFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type partsInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type partsUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type partsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (d *partsDecoder) Decode(line string) (StreamDelta, bool) {
	if !strings.HasPrefix(line, "data: ") {
		return StreamDelta{}, false
	}
	data := strings.TrimPrefix(line, "data: ")

	var chunk partsChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log.Debug().Err(err).Str("dialect", "parts").Msg("skipping unparsable stream line")
		return StreamDelta{}, false
	}

	if chunk.Error != nil {
		return StreamDelta{Finish: FinishError, ErrorMessage: chunk.Error.Message}, true
	}

	var delta StreamDelta
	if chunk.UsageMetadata != nil {
		delta.Usage = &Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  chunk.UsageMetadata.TotalTokenCount,
		}
	}

	for _, cand := range chunk.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				switch {
				case part.FunctionCall != nil:
					args, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						log.Debug().Err(err).Str("tool", part.FunctionCall.Name).Msg("dropping unmarshalable function call args")
						continue
					}
					delta.ToolCalls = append(delta.ToolCalls, ToolCallFragment{
						Index:        d.nextCall,
						Name:         part.FunctionCall.Name,
						ArgsFragment: string(args),
						Final:        true,
					})
					d.nextCall++
				case part.Thought:
					delta.ReasoningDelta += part.Text
				case part.Text != "":
					delta.TextDelta += part.Text
				}
			}
		}
		if cand.FinishReason != "" {
			delta.Finish = FinishStop
		}
	}

	if delta.IsZero() {
		return StreamDelta{}, false
	}
	return delta, true
}
