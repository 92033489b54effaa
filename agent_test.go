package reverie

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// echoTool is an inline tool: its content streams as token events in the
// speak lane.
type echoTool struct{}

func (echoTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "echo", Description: "echoes"}
}

func (echoTool) Execute(context.Context, json.RawMessage, *ToolContext) (ToolResult, error) {
	return ToolResult{Content: "echoed"}, nil
}

func (echoTool) MessageType() string { return MessageTypeSpeak }

// failTool always errors.
type failTool struct{}

func (failTool) Definition() ToolDefinition {
	return ToolDefinition{Name: "fail", Description: "fails"}
}

func (failTool) Execute(context.Context, json.RawMessage, *ToolContext) (ToolResult, error) {
	return ToolResult{}, errors.New("disk on fire")
}

func messagesByRole(store *memStore, role string) []Message {
	var out []Message
	for _, m := range store.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

func TestChatAgent_StreamsAndPersists(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "hello there"}, tokens: []string{"hello ", "there"}},
	}}
	m, store := testMemory(t, nil)
	agent := NewChatAgent("chat", m, llm)

	ec := NewExecutionContext("s1").WithInput("hi", InputPhone)
	events, err := RunCollect(context.Background(), agent, ec)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	var streamed strings.Builder
	for _, ev := range events {
		if ev.Type == EventToken {
			streamed.WriteString(ev.Content)
		}
	}
	if streamed.String() != "hello there" {
		t.Errorf("streamed %q", streamed.String())
	}

	users := messagesByRole(store, "user")
	if len(users) != 1 || users[0].Category != CategoryTelegram {
		t.Errorf("user message %+v, want one TELEGRAM entry", users)
	}
	assistants := messagesByRole(store, "assistant")
	if len(assistants) != 1 || assistants[0].Content != "hello there" {
		t.Errorf("assistant message %+v", assistants)
	}
	if assistants[0].Category != CategoryNormal {
		t.Errorf("category %q, want NORMAL for the default chat lane", assistants[0].Category)
	}

	last := events[len(events)-1]
	if last.Type != EventFinal || last.Content != "hello there" {
		t.Errorf("final event %+v", last)
	}
	if agent.State() != StateIdle {
		t.Errorf("state %v after success, want idle", agent.State())
	}
}

func TestChatAgent_MessageTypeSelectsCategory(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "ping"}},
	}}
	m, store := testMemory(t, nil)
	agent := NewChatAgent("chat", m, llm, WithMessageType(MessageTypeTelegram))

	if _, err := RunCollect(context.Background(), agent, NewExecutionContext("s1")); err != nil {
		t.Fatalf("run: %v", err)
	}
	assistants := messagesByRole(store, "assistant")
	if len(assistants) != 1 || assistants[0].Category != CategoryTelegram {
		t.Errorf("got %+v, want TELEGRAM category", assistants)
	}
}

func TestChatAgent_EmptyCompletionIsError(t *testing.T) {
	llm := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "  \n"}}}}
	m, _ := testMemory(t, nil)
	agent := NewChatAgent("chat", m, llm)

	_, err := RunCollect(context.Background(), agent, NewExecutionContext("s1"))
	var llmErr *ErrLLM
	if !errors.As(err, &llmErr) {
		t.Fatalf("got %v, want ErrLLM", err)
	}
	if agent.State() != StateError {
		t.Errorf("state %v, want error", agent.State())
	}
}

func TestChatAgent_RejectsConcurrentRun(t *testing.T) {
	m, _ := testMemory(t, nil)
	agent := NewChatAgent("chat", m, &stubProvider{})
	agent.setState(StateRunning)

	_, err := RunCollect(context.Background(), agent, NewExecutionContext("s1"))
	var invalid *ErrInvalid
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want ErrInvalid", err)
	}
}

func TestToolAgent_TerminateEndsLoop(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{
			Content: "I will speak, then stop.",
			ToolCalls: []ToolCall{
				{ID: "c1", Name: "echo", Args: json.RawMessage(`{}`)},
				{ID: "c2", Name: TerminateToolName, Args: json.RawMessage(`{"status":"success"}`)},
			},
		}},
	}}
	m, store := testMemory(t, nil)
	agent := NewToolAgent("actor", m, llm, NewToolCollection(echoTool{}))

	events, err := RunCollect(context.Background(), agent, NewExecutionContext("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if llm.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", llm.callCount())
	}

	// The inline tool's content streams in its display lane.
	var token *ExecutionEvent
	for i, ev := range events {
		if ev.Type == EventToken {
			token = &events[i]
		}
	}
	if token == nil || token.Content != "echoed" || token.MessageType != MessageTypeSpeak {
		t.Errorf("inline token %+v", token)
	}

	assistants := messagesByRole(store, "assistant")
	if len(assistants) != 1 || assistants[0].Category != CategoryThought {
		t.Errorf("assistant turns %+v, want one THOUGHT entry", assistants)
	}
	if len(assistants) == 1 && len(assistants[0].ToolCalls) != 2 {
		t.Errorf("assistant tool calls %+v", assistants[0].ToolCalls)
	}
	toolRows := messagesByRole(store, "tool")
	if len(toolRows) != 2 {
		t.Fatalf("got %d tool rows, want 2", len(toolRows))
	}
	if toolRows[0].ToolName != "echo" || toolRows[0].ToolCallID != "c1" {
		t.Errorf("first tool row %+v", toolRows[0])
	}

	if res, ok := agent.ToolResult("echo"); !ok || res.Content != "echoed" {
		t.Errorf("recorded result %+v ok=%v", res, ok)
	}
	last := events[len(events)-1]
	if last.Type != EventFinal || last.Content != "echoed" {
		t.Errorf("final event %+v, want inline content carried", last)
	}
}

func TestToolAgent_NoCallsFinishes(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "nothing to do"}},
	}}
	m, _ := testMemory(t, nil)
	agent := NewToolAgent("actor", m, llm, nil)

	events, err := RunCollect(context.Background(), agent, NewExecutionContext("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if llm.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", llm.callCount())
	}
	last := events[len(events)-1]
	if last.Type != EventFinal || last.Content != "nothing to do" {
		t.Errorf("final event %+v", last)
	}
}

func TestToolAgent_ToolFailureIsRecordedNotFatal(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "fail", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: TerminateToolName, Args: json.RawMessage(`{}`)},
		}}},
	}}
	m, store := testMemory(t, nil)
	agent := NewToolAgent("actor", m, llm, NewToolCollection(failTool{}))

	if _, err := RunCollect(context.Background(), agent, NewExecutionContext("s1")); err != nil {
		t.Fatalf("tool failure aborted the run: %v", err)
	}
	toolRows := messagesByRole(store, "tool")
	if len(toolRows) < 1 || toolRows[0].Content != "error: disk on fire" {
		t.Errorf("tool rows %+v, want the failure persisted as text", toolRows)
	}
	if res, ok := agent.ToolResult("fail"); !ok || res.Error != "disk on fire" {
		t.Errorf("recorded result %+v ok=%v", res, ok)
	}
}

func TestToolAgent_NonInlineToolEmitsToolOutput(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "a", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: TerminateToolName, Args: json.RawMessage(`{}`)},
		}}},
	}}
	m, _ := testMemory(t, nil)
	agent := NewToolAgent("actor", m, llm, NewToolCollection(namedTool{"a"}))

	events, err := RunCollect(context.Background(), agent, NewExecutionContext("s1"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var saw bool
	for _, ev := range events {
		if ev.Type == EventToolOutput && ev.Content == "ran a" {
			saw = true
		}
		if ev.Type == EventToken {
			t.Errorf("non-inline tool leaked a token event: %+v", ev)
		}
	}
	if !saw {
		t.Error("tool output event missing")
	}
}

func TestToolAgent_StuckDetectorSteersNextStep(t *testing.T) {
	repeat := stubResult{resp: ChatResponse{
		Content:   "let me check the schedule",
		ToolCalls: []ToolCall{{ID: "c", Name: "a", Args: json.RawMessage(`{}`)}},
	}}
	llm := &stubProvider{results: []stubResult{
		repeat,
		repeat,
		{resp: ChatResponse{ToolCalls: []ToolCall{{ID: "t", Name: TerminateToolName, Args: json.RawMessage(`{}`)}}}},
	}}
	m, _ := testMemory(t, nil)
	agent := NewToolAgent("actor", m, llm, NewToolCollection(namedTool{"a"}))

	if _, err := RunCollect(context.Background(), agent, NewExecutionContext("s1")); err != nil {
		t.Fatalf("run: %v", err)
	}
	if llm.callCount() != 3 {
		t.Fatalf("provider called %d times, want 3", llm.callCount())
	}

	// After the duplicate second step, the third request carries a steering
	// user message.
	third := llm.requests[2].Messages
	var steered bool
	for _, msg := range third {
		if msg.Role == "user" && strings.Contains(msg.Content, "duplicate responses") {
			steered = true
		}
	}
	if !steered {
		t.Error("no steering prompt after repeated assistant output")
	}
	for _, msg := range llm.requests[1].Messages {
		if strings.Contains(msg.Content, "duplicate responses") {
			t.Error("steering prompt injected before a duplicate was seen")
		}
	}
}

func TestToolAgent_RerunResetsToolResults(t *testing.T) {
	llm := &stubProvider{results: []stubResult{
		{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c1", Name: "a", Args: json.RawMessage(`{}`)},
			{ID: "c2", Name: TerminateToolName, Args: json.RawMessage(`{}`)},
		}}},
		{resp: ChatResponse{ToolCalls: []ToolCall{
			{ID: "c3", Name: TerminateToolName, Args: json.RawMessage(`{}`)},
		}}},
	}}
	m, _ := testMemory(t, nil)
	agent := NewToolAgent("actor", m, llm, NewToolCollection(namedTool{"a"}))

	if _, err := RunCollect(context.Background(), agent, NewExecutionContext("s1")); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, ok := agent.ToolResult("a"); !ok {
		t.Fatal("first run result not recorded")
	}
	if _, err := RunCollect(context.Background(), agent, NewExecutionContext("s1")); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if _, ok := agent.ToolResult("a"); ok {
		t.Error("stale tool result survived into the next run")
	}
}
