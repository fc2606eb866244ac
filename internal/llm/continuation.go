package llm

import (
	"encoding/json"
	"fmt"
)

// AppendToolRound rewrites a provider-native request body for a continuation
// call: the assistant's tool-call turn and one tool-result turn per
// invocation are appended to the body's conversation history, in the shape
// the dialect expects. The original body is not modified.
func AppendToolRound(dialect Dialect, body []byte, text string, invocations []ToolInvocation) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}

	var appendErr error
	switch dialect {
	case DialectChat:
		appendErr = appendChatRound(req, text, invocations)
	case DialectMessages:
		appendErr = appendMessagesRound(req, text, invocations)
	case DialectParts:
		appendErr = appendPartsRound(req, text, invocations)
	case DialectResponses:
		appendErr = appendResponsesRound(req, invocations)
	default:
		return nil, fmt.Errorf("unknown stream dialect: %q", dialect)
	}
	if appendErr != nil {
		return nil, appendErr
	}

	return json.Marshal(req)
}

// historySlice extracts the conversation history under key. A missing or
// mistyped history is an error: silently continuing would issue an upstream
// request holding only the tool turns.
func historySlice(req map[string]any, key string) ([]any, error) {
	switch v := req[key].(type) {
	case []any:
		return v, nil
	case nil:
		return nil, fmt.Errorf("request body has no %q history", key)
	default:
		return nil, fmt.Errorf("request body %q is not a message list", key)
	}
}

func appendChatRound(req map[string]any, text string, invocations []ToolInvocation) error {
	messages, err := historySlice(req, "messages")
	if err != nil {
		return err
	}

	toolCalls := make([]any, 0, len(invocations))
	for _, inv := range invocations {
		toolCalls = append(toolCalls, map[string]any{
			"id":   inv.ID,
			"type": "function",
			"function": map[string]any{
				"name":      inv.ToolName,
				"arguments": string(inv.Args),
			},
		})
	}
	assistant := map[string]any{
		"role":       "assistant",
		"tool_calls": toolCalls,
	}
	if text != "" {
		assistant["content"] = text
	}
	messages = append(messages, assistant)

	for _, inv := range invocations {
		messages = append(messages, map[string]any{
			"role":         "tool",
			"tool_call_id": inv.ID,
			"content":      inv.Response,
		})
	}
	req["messages"] = messages
	return nil
}

func appendMessagesRound(req map[string]any, text string, invocations []ToolInvocation) error {
	messages, err := historySlice(req, "messages")
	if err != nil {
		return err
	}

	assistantContent := make([]any, 0, len(invocations)+1)
	if text != "" {
		assistantContent = append(assistantContent, map[string]any{
			"type": "text",
			"text": text,
		})
	}
	for _, inv := range invocations {
		assistantContent = append(assistantContent, map[string]any{
			"type":  "tool_use",
			"id":    inv.ID,
			"name":  inv.ToolName,
			"input": json.RawMessage(inv.Args),
		})
	}
	messages = append(messages, map[string]any{
		"role":    "assistant",
		"content": assistantContent,
	})

	results := make([]any, 0, len(invocations))
	for _, inv := range invocations {
		results = append(results, map[string]any{
			"type":        "tool_result",
			"tool_use_id": inv.ID,
			"content":     inv.Response,
			"is_error":    inv.Status == StatusError,
		})
	}
	messages = append(messages, map[string]any{
		"role":    "user",
		"content": results,
	})
	req["messages"] = messages
	return nil
}

func appendPartsRound(req map[string]any, text string, invocations []ToolInvocation) error {
	contents, err := historySlice(req, "contents")
	if err != nil {
		return err
	}

	modelParts := make([]any, 0, len(invocations)+1)
	if text != "" {
		modelParts = append(modelParts, map[string]any{"text": text})
	}
	for _, inv := range invocations {
		var args map[string]any
		if err := json.Unmarshal(inv.Args, &args); err != nil {
			args = map[string]any{}
		}
		modelParts = append(modelParts, map[string]any{
			"functionCall": map[string]any{
				"name": inv.ToolName,
				"args": args,
			},
		})
	}
	contents = append(contents, map[string]any{
		"role":  "model",
		"parts": modelParts,
	})

	resultParts := make([]any, 0, len(invocations))
	for _, inv := range invocations {
		resultParts = append(resultParts, map[string]any{
			"functionResponse": map[string]any{
				"name": inv.ToolName,
				"response": map[string]any{
					"content": inv.Response,
				},
			},
		})
	}
	contents = append(contents, map[string]any{
		"role":  "user",
		"parts": resultParts,
	})
	req["contents"] = contents
	return nil
}

func appendResponsesRound(req map[string]any, invocations []ToolInvocation) error {
	// The typed-output dialect also accepts a bare prompt string as input.
	// Expand it to a message item so the user's turn survives in the
	// continuation history.
	var input []any
	switch v := req["input"].(type) {
	case []any:
		input = v
	case string:
		input = []any{map[string]any{"role": "user", "content": v}}
	case nil:
		return fmt.Errorf(`request body has no "input" history`)
	default:
		return fmt.Errorf(`request body "input" is not a message list`)
	}

	for _, inv := range invocations {
		input = append(input, map[string]any{
			"type":      "function_call",
			"call_id":   inv.ID,
			"name":      inv.ToolName,
			"arguments": string(inv.Args),
		})
	}
	for _, inv := range invocations {
		input = append(input, map[string]any{
			"type":    "function_call_output",
			"call_id": inv.ID,
			"output":  inv.Response,
		})
	}
	req["input"] = input
	return nil
}
