package llm

import (
	"encoding/json"
	"testing"
)

func invocationsForTest() []ToolInvocation {
	return []ToolInvocation{
		{
			ID:       "call_1",
			ToolName: "get_weather",
			Args:     json.RawMessage(`{"city":"Oslo"}`),
			Status:   StatusDone,
			Response: "12C and raining",
		},
		{
			ID:       "call_2",
			ToolName: "get_time",
			Args:     json.RawMessage(`{}`),
			Status:   StatusError,
			Response: "Error: no such timezone",
		},
	}
}

func TestAppendToolRound_Chat(t *testing.T) {
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"weather?"}],"stream":true}`)
	out, err := AppendToolRound(DialectChat, body, "checking", invocationsForTest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req struct {
		Messages []map[string]any `json:"messages"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	// user + assistant + 2 tool results
	if len(req.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(req.Messages))
	}
	assistant := req.Messages[1]
	if assistant["role"] != "assistant" || assistant["content"] != "checking" {
		t.Errorf("unexpected assistant turn: %v", assistant)
	}
	calls, _ := assistant["tool_calls"].([]any)
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool_calls, got %d", len(calls))
	}
	toolMsg := req.Messages[2]
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call_1" || toolMsg["content"] != "12C and raining" {
		t.Errorf("unexpected tool result message: %v", toolMsg)
	}
}

func TestAppendToolRound_Messages(t *testing.T) {
	body := []byte(`{"model":"x","messages":[{"role":"user","content":"weather?"}]}`)
	out, err := AppendToolRound(DialectMessages, body, "", invocationsForTest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[1].Role != "assistant" || req.Messages[2].Role != "user" {
		t.Errorf("unexpected roles: %v %v", req.Messages[1].Role, req.Messages[2].Role)
	}

	var results []map[string]any
	if err := json.Unmarshal(req.Messages[2].Content, &results); err != nil {
		t.Fatalf("tool results not a block list: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 tool_result blocks, got %d", len(results))
	}
	if results[0]["type"] != "tool_result" || results[0]["tool_use_id"] != "call_1" {
		t.Errorf("unexpected result block: %v", results[0])
	}
	if results[1]["is_error"] != true {
		t.Errorf("failed invocation must set is_error, got %v", results[1])
	}
}

func TestAppendToolRound_Parts(t *testing.T) {
	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"weather?"}]}]}`)
	out, err := AppendToolRound(DialectParts, body, "checking", invocationsForTest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req struct {
		Contents []struct {
			Role  string           `json:"role"`
			Parts []map[string]any `json:"parts"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	if len(req.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(req.Contents))
	}
	model := req.Contents[1]
	if model.Role != "model" || len(model.Parts) != 3 { // text + 2 functionCall
		t.Fatalf("unexpected model turn: %+v", model)
	}
	fc, _ := model.Parts[1]["functionCall"].(map[string]any)
	if fc == nil || fc["name"] != "get_weather" {
		t.Errorf("expected functionCall part, got %v", model.Parts[1])
	}
	results := req.Contents[2]
	if results.Role != "user" || len(results.Parts) != 2 {
		t.Fatalf("unexpected result turn: %+v", results)
	}
	fr, _ := results.Parts[0]["functionResponse"].(map[string]any)
	if fr == nil || fr["name"] != "get_weather" {
		t.Errorf("expected functionResponse part, got %v", results.Parts[0])
	}
}

func TestAppendToolRound_Responses(t *testing.T) {
	body := []byte(`{"model":"x","input":[{"role":"user","content":"weather?"}]}`)
	out, err := AppendToolRound(DialectResponses, body, "", invocationsForTest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req struct {
		Input []map[string]any `json:"input"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	// original + 2 function_call + 2 function_call_output
	if len(req.Input) != 5 {
		t.Fatalf("expected 5 input items, got %d", len(req.Input))
	}
	if req.Input[1]["type"] != "function_call" || req.Input[1]["call_id"] != "call_1" {
		t.Errorf("unexpected function_call item: %v", req.Input[1])
	}
	if req.Input[3]["type"] != "function_call_output" || req.Input[3]["output"] != "12C and raining" {
		t.Errorf("unexpected output item: %v", req.Input[3])
	}
}

func TestAppendToolRound_ResponsesStringInput(t *testing.T) {
	// A bare prompt string is a valid input shape; the user's question must
	// survive in the continuation history.
	body := []byte(`{"model":"x","input":"What's the weather in Oslo?"}`)
	out, err := AppendToolRound(DialectResponses, body, "", invocationsForTest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req struct {
		Input []map[string]any `json:"input"`
	}
	if err := json.Unmarshal(out, &req); err != nil {
		t.Fatalf("output not valid json: %v", err)
	}
	// user turn + 2 function_call + 2 function_call_output
	if len(req.Input) != 5 {
		t.Fatalf("expected 5 input items, got %d", len(req.Input))
	}
	if req.Input[0]["role"] != "user" || req.Input[0]["content"] != "What's the weather in Oslo?" {
		t.Errorf("original prompt missing from continuation: %v", req.Input[0])
	}
	if req.Input[1]["type"] != "function_call" {
		t.Errorf("expected function_call after the user turn, got %v", req.Input[1])
	}
}

func TestAppendToolRound_MissingHistoryRejected(t *testing.T) {
	cases := []struct {
		dialect Dialect
		body    string
	}{
		{DialectChat, `{"model":"x"}`},
		{DialectChat, `{"model":"x","messages":"oops"}`},
		{DialectMessages, `{"model":"x"}`},
		{DialectParts, `{"model":"x"}`},
		{DialectResponses, `{"model":"x"}`},
		{DialectResponses, `{"model":"x","input":42}`},
	}
	for _, tc := range cases {
		if _, err := AppendToolRound(tc.dialect, []byte(tc.body), "", invocationsForTest()); err == nil {
			t.Errorf("%s: expected error for body %s", tc.dialect, tc.body)
		}
	}
}

func TestAppendToolRound_BadBody(t *testing.T) {
	if _, err := AppendToolRound(DialectChat, []byte("not json"), "", nil); err == nil {
		t.Error("expected error for unparsable body")
	}
}
