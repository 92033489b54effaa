package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/nevindra/reverie"
)

func TestBuildBody_RoleMapping(t *testing.T) {
	msgs := []reverie.ChatMessage{
		{Role: "system", Content: "you are lina"},
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "thinking", ToolCalls: []reverie.ToolCall{
			{ID: "c1", Name: "search_dialogue", Args: json.RawMessage(`{"query":"rain"}`)},
		}},
		{Role: "tool", Content: "3 results", ToolCallID: "c1", Name: "search_dialogue"},
	}

	req := BuildBody(msgs, nil, "gpt-4o")
	if req.Model != "gpt-4o" {
		t.Errorf("model %q", req.Model)
	}
	if len(req.Messages) != 4 {
		t.Fatalf("got %d messages", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "you are lina" {
		t.Errorf("system message %+v", req.Messages[0])
	}

	assistant := req.Messages[2]
	if len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls %+v", assistant.ToolCalls)
	}
	tc := assistant.ToolCalls[0]
	if tc.Type != "function" || tc.Function.Name != "search_dialogue" {
		t.Errorf("tool call %+v", tc)
	}
	if tc.Function.Arguments != `{"query":"rain"}` {
		t.Errorf("arguments %q, want raw JSON string", tc.Function.Arguments)
	}

	toolMsg := req.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "c1" || toolMsg.Name != "search_dialogue" {
		t.Errorf("tool message %+v", toolMsg)
	}
}

func TestBuildBody_OptionsApply(t *testing.T) {
	req := BuildBody(nil, nil, "m", WithTemperature(0.7), WithMaxTokens(2048))
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("temperature %+v", req.Temperature)
	}
	if req.MaxTokens != 2048 {
		t.Errorf("max tokens %d", req.MaxTokens)
	}
}

func TestBuildToolDefs_EmptyParametersGetSchema(t *testing.T) {
	defs := BuildToolDefs([]reverie.ToolDefinition{{Name: "terminate"}})
	if len(defs) != 1 || defs[0].Type != "function" {
		t.Fatalf("defs %+v", defs)
	}
	if string(defs[0].Function.Parameters) != `{}` {
		t.Errorf("parameters %s, want empty object", defs[0].Function.Parameters)
	}
}

func TestToolChoiceValue(t *testing.T) {
	if got := toolChoiceValue(reverie.ToolChoiceRequired); got != "required" {
		t.Errorf("got %v", got)
	}
	if got := toolChoiceValue(""); got != nil {
		t.Errorf("empty choice: got %v, want nil", got)
	}
	if got := toolChoiceValue("weird"); got != "auto" {
		t.Errorf("unknown choice: got %v, want auto", got)
	}
}

func TestParseResponse_ContentAndUsage(t *testing.T) {
	resp, err := ParseResponse(ChatResponse{
		Choices: []Choice{{Message: &ChoiceMessage{Content: "hello"}}},
		Usage:   &Usage{PromptTokens: 12, CompletionTokens: 3},
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("content %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage %+v", resp.Usage)
	}
}

func TestParseToolCalls_Degradation(t *testing.T) {
	calls := ParseToolCalls([]ToolCallRequest{
		{Function: FunctionCall{Name: "a", Arguments: `not json`}},
		{ID: "c2", Function: FunctionCall{Name: "b", Arguments: `{"x":1}`}},
	})
	if len(calls) != 2 {
		t.Fatalf("got %d calls", len(calls))
	}
	if string(calls[0].Args) != `{}` {
		t.Errorf("invalid arguments kept: %s", calls[0].Args)
	}
	if calls[0].ID != "call_0" {
		t.Errorf("missing id fallback: %q", calls[0].ID)
	}
	if calls[1].ID != "c2" || string(calls[1].Args) != `{"x":1}` {
		t.Errorf("second call %+v", calls[1])
	}
}
