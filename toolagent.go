package reverie

import (
	"context"
	"fmt"
)

// ToolAgent is a tool-calling agent: each step asks the model for the next
// move (think), then executes any requested tool calls in order (act). The
// loop ends when the model calls terminate, stops requesting tools, or the
// step budget runs out.
type ToolAgent struct {
	*BaseAgent
	tools *ToolCollection

	// toolResults records the last result per tool name for output
	// adapters in flows.
	toolResults map[string]ToolResult
}

// NewToolAgent creates a tool-calling agent over the given collection.
// A terminate tool is added when the collection lacks one.
func NewToolAgent(name string, memory *Memory, llm Provider, tools *ToolCollection, opts ...AgentOption) *ToolAgent {
	base := newBaseAgent(name, memory, llm, opts...)
	if tools == nil {
		tools = NewToolCollection()
	}
	if _, ok := tools.Get(TerminateToolName); !ok {
		tools.Add(TerminateTool{})
	}
	return &ToolAgent{
		BaseAgent:   base,
		tools:       tools,
		toolResults: make(map[string]ToolResult),
	}
}

// Tools returns the agent's tool collection.
func (t *ToolAgent) Tools() *ToolCollection { return t.tools }

// ToolResult returns the recorded result of the named tool's most recent
// invocation in the current run.
func (t *ToolAgent) ToolResult(name string) (ToolResult, bool) {
	r, ok := t.toolResults[name]
	return r, ok
}

// RunStream implements Runnable.
func (t *ToolAgent) RunStream(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent) error {
	clear(t.toolResults)
	return t.run(ctx, ec, ch, t.stepStream)
}

func (t *ToolAgent) stepStream(ctx context.Context, ec *ExecutionContext, emit func(ExecutionEvent)) error {
	calls, err := t.think(ctx, ec)
	if err != nil {
		return err
	}
	if len(calls) == 0 {
		t.finish()
		return nil
	}
	return t.act(ctx, ec, calls, emit)
}

// think builds the conversation window, asks the model with the tool
// definitions, and persists the assistant turn. Returns the parsed tool
// calls; empty means the model chose to answer without acting.
func (t *ToolAgent) think(ctx context.Context, ec *ExecutionContext) ([]ToolCall, error) {
	msgs, err := t.conversationWindow(ctx, ec)
	if err != nil {
		return nil, err
	}
	resp, err := t.llm.ChatWithTools(ctx, ChatRequest{
		Messages:   msgs,
		ToolChoice: ToolChoiceAuto,
	}, t.tools.Definitions())
	if err != nil {
		return nil, err
	}
	if _, err := t.memory.AddMessage(ctx, Message{
		SessionID:  ec.SessionID,
		Role:       "assistant",
		Content:    resp.Content,
		ToolCalls:  resp.ToolCalls,
		Speaker:    t.speaker,
		Category:   CategoryThought,
		VisibleFor: t.visibleFor,
	}); err != nil {
		return nil, err
	}
	t.recordAssistant(resp.Content)
	return resp.ToolCalls, nil
}

// act executes the tool calls in order, persisting one role=tool message per
// call. Inline tools surface their content as token events in their display
// lane; everything else goes out as a tool_output event. A terminate call
// finishes the agent and stops the batch.
func (t *ToolAgent) act(ctx context.Context, ec *ExecutionContext, calls []ToolCall, emit func(ExecutionEvent)) error {
	for _, tc := range calls {
		emit(ToolStatusEvent(fmt.Sprintf("🔧 running %s", tc.Name)))
		result, err := t.tools.Execute(ctx, tc.Name, tc.Args, &ToolContext{
			SessionID:   ec.SessionID,
			CharacterID: t.characterID,
			VisibleFor:  t.visibleFor,
			Memory:      t.memory,
			Emit:        emit,
		})
		if err != nil {
			result = ToolResult{Error: err.Error()}
			t.logger.Warn("tool execution failed", "tool", tc.Name, "error", err)
		}
		t.toolResults[tc.Name] = result

		if _, err := t.memory.AddMessage(ctx, Message{
			SessionID:  ec.SessionID,
			Role:       "tool",
			Content:    result.Text(),
			ToolName:   tc.Name,
			ToolCallID: tc.ID,
			Category:   CategoryThought,
			VisibleFor: t.visibleFor,
		}); err != nil {
			return err
		}

		tool, _ := t.tools.Get(tc.Name)
		if inline, ok := tool.(InlineTool); ok {
			if content := sanitizeStream(result.Content); content != "" {
				emit(TokenEvent(content, inline.MessageType()))
				t.lastResponse = result.Content
			}
		} else if result.Content != "" {
			emit(ToolOutputEvent(result.Content, tc.Name))
		}

		if tc.Name == TerminateToolName {
			t.finish()
			break
		}
	}
	return nil
}

var _ Runnable = (*ToolAgent)(nil)
