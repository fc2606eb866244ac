package llm

import "testing"

func TestChatDecoder_TextDelta(t *testing.T) {
	d := newChatDecoder()
	delta, ok := d.Decode(`data: {"choices":[{"index":0,"delta":{"content":"Hello"}}]}`)
	if !ok {
		t.Fatal("expected a delta")
	}
	if delta.TextDelta != "Hello" {
		t.Errorf("expected text 'Hello', got %q", delta.TextDelta)
	}
}

func TestChatDecoder_ReasoningContent(t *testing.T) {
	d := newChatDecoder()
	delta, ok := d.Decode(`data: {"choices":[{"delta":{"reasoning_content":"thinking..."}}]}`)
	if !ok {
		t.Fatal("expected a delta")
	}
	if delta.ReasoningDelta != "thinking..." {
		t.Errorf("expected reasoning delta, got %q", delta.ReasoningDelta)
	}
	if delta.TextDelta != "" {
		t.Errorf("expected no text, got %q", delta.TextDelta)
	}
}

func TestChatDecoder_DoneSentinelIsNoOp(t *testing.T) {
	d := newChatDecoder()
	if _, ok := d.Decode("data: [DONE]"); ok {
		t.Error("[DONE] must not produce a delta")
	}
}

func TestChatDecoder_BlankAndUnparsableLinesSkipped(t *testing.T) {
	d := newChatDecoder()
	if _, ok := d.Decode(""); ok {
		t.Error("blank line must be skipped")
	}
	if _, ok := d.Decode("data: {not json"); ok {
		t.Error("unparsable line must be skipped, not fail the stream")
	}
	// Stream continues after a bad line.
	delta, ok := d.Decode(`data: {"choices":[{"delta":{"content":"ok"}}]}`)
	if !ok || delta.TextDelta != "ok" {
		t.Errorf("expected decode to continue after bad line, got ok=%v delta=%+v", ok, delta)
	}
}

func TestChatDecoder_ToolCallFragments(t *testing.T) {
	d := newChatDecoder()
	first, ok := d.Decode(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"get_weather","arguments":"{\"cit"}}]}}]}`)
	if !ok || len(first.ToolCalls) != 1 {
		t.Fatalf("expected one fragment, got %+v", first)
	}
	if first.ToolCalls[0].ID != "call_1" || first.ToolCalls[0].Name != "get_weather" {
		t.Errorf("unexpected fragment identity: %+v", first.ToolCalls[0])
	}

	second, ok := d.Decode(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"y\":\"Oslo\"}"}}]}}]}`)
	if !ok || len(second.ToolCalls) != 1 {
		t.Fatalf("expected continuation fragment, got %+v", second)
	}
	if second.ToolCalls[0].Index != 0 {
		t.Errorf("continuation must carry the same index, got %d", second.ToolCalls[0].Index)
	}

	finish, ok := d.Decode(`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`)
	if !ok || finish.Finish != FinishToolCalls {
		t.Errorf("expected FinishToolCalls, got %+v", finish)
	}
}

func TestChatDecoder_StopWithUsage(t *testing.T) {
	d := newChatDecoder()
	delta, ok := d.Decode(`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	if !ok {
		t.Fatal("expected a delta")
	}
	if delta.Finish != FinishStop {
		t.Errorf("expected FinishStop, got %v", delta.Finish)
	}
	if delta.Usage == nil || delta.Usage.TotalTokens != 15 {
		t.Errorf("expected usage total 15, got %+v", delta.Usage)
	}
}

func TestChatDecoder_ErrorPayload(t *testing.T) {
	d := newChatDecoder()
	delta, ok := d.Decode(`data: {"error":{"type":"server_error","message":"upstream exploded"}}`)
	if !ok {
		t.Fatal("expected a delta")
	}
	if delta.Finish != FinishError {
		t.Errorf("expected FinishError, got %v", delta.Finish)
	}
	if delta.ErrorMessage != "upstream exploded" {
		t.Errorf("expected error message, got %q", delta.ErrorMessage)
	}
}
