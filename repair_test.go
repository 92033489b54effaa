package reverie

import (
	"context"
	"encoding/json"
	"testing"
)

func toolCall(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Args: json.RawMessage(`{}`)}
}

func TestRepairTranscript_WellFormedUnchanged(t *testing.T) {
	msgs := []ChatMessage{
		SystemMessage("sys"),
		UserMessage("hi"),
		{Role: "assistant", ToolCalls: []ToolCall{toolCall("c1", "speak")}},
		ToolResultMessage("c1", "done"),
		AssistantMessage("hello"),
	}
	out := RepairTranscript(msgs)
	if len(out) != len(msgs) {
		t.Fatalf("got %d messages, want %d", len(out), len(msgs))
	}
}

func TestRepairTranscript_DropsOrphanToolRow(t *testing.T) {
	msgs := []ChatMessage{
		UserMessage("hi"),
		ToolResultMessage("ghost", "orphan"),
		AssistantMessage("hello"),
	}
	out := RepairTranscript(msgs)
	for _, m := range out {
		if m.Role == "tool" {
			t.Fatal("orphan tool row survived")
		}
	}
	if len(out) != 2 {
		t.Errorf("got %d messages, want 2", len(out))
	}
}

func TestRepairTranscript_DropsUnansweredCallFromEarlierAssistant(t *testing.T) {
	msgs := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{toolCall("c1", "speak"), toolCall("c2", "search")}},
		ToolResultMessage("c1", "spoken"),
		UserMessage("next"),
		AssistantMessage("reply"),
	}
	out := RepairTranscript(msgs)
	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].ID != "c1" {
		t.Errorf("got tool calls %+v, want only c1", out[0].ToolCalls)
	}
}

func TestRepairTranscript_DropsAssistantThatLostAllCalls(t *testing.T) {
	msgs := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{toolCall("c1", "speak")}},
		UserMessage("interrupt"),
		AssistantMessage("reply"),
	}
	out := RepairTranscript(msgs)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if out[0].Role != "user" || out[1].Role != "assistant" {
		t.Errorf("unexpected order: %v, %v", out[0].Role, out[1].Role)
	}
}

func TestRepairTranscript_LastAssistantKeptAsIs(t *testing.T) {
	msgs := []ChatMessage{
		UserMessage("hi"),
		{Role: "assistant", ToolCalls: []ToolCall{toolCall("c1", "speak")}},
	}
	out := RepairTranscript(msgs)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want 2", len(out))
	}
	if len(out[1].ToolCalls) != 1 {
		t.Errorf("in-progress assistant lost its call")
	}
}

func TestRepairTranscript_UserClosesPendingAssistant(t *testing.T) {
	// The tool reply arrives after a user turn; it must not pair backwards.
	msgs := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{toolCall("c1", "speak")}},
		UserMessage("interrupt"),
		ToolResultMessage("c1", "late"),
		AssistantMessage("reply"),
	}
	out := RepairTranscript(msgs)
	for _, m := range out {
		if m.Role == "tool" {
			t.Fatal("late tool row paired across a user turn")
		}
	}
}

func TestRepairTranscript_DuplicateToolReplyKeptOnce(t *testing.T) {
	msgs := []ChatMessage{
		{Role: "assistant", ToolCalls: []ToolCall{toolCall("c1", "speak")}},
		ToolResultMessage("c1", "first"),
		ToolResultMessage("c1", "second"),
		AssistantMessage("reply"),
	}
	out := RepairTranscript(msgs)
	tools := 0
	for _, m := range out {
		if m.Role == "tool" {
			tools++
		}
	}
	if tools != 1 {
		t.Errorf("got %d tool rows, want 1", tools)
	}
}

func TestWithRepair_RepairsBeforeEveryCall(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "ok"}}}}
	p := WithRepair(stub, nil)

	_, err := p.Chat(context.Background(), ChatRequest{Messages: []ChatMessage{
		UserMessage("hi"),
		ToolResultMessage("ghost", "orphan"),
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := stub.requests[0].Messages
	if len(sent) != 1 || sent[0].Role != "user" {
		t.Errorf("provider saw unrepaired transcript: %+v", sent)
	}
}
