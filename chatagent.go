package reverie

import (
	"context"
	"strings"
)

// ChatAgent is a single-step agent with no tools: it streams one LLM
// completion as token events, persists the result as an assistant message,
// and finishes. The message type tag selects both the display lane and the
// persistence category.
type ChatAgent struct {
	*BaseAgent
}

// NewChatAgent creates a chat-style agent.
func NewChatAgent(name string, memory *Memory, llm Provider, opts ...AgentOption) *ChatAgent {
	base := newBaseAgent(name, memory, llm, opts...)
	if base.messageType == "" {
		base.messageType = MessageTypeChat
	}
	if base.maxSteps == DefaultMaxSteps {
		base.maxSteps = 1
	}
	return &ChatAgent{BaseAgent: base}
}

// RunStream implements Runnable.
func (c *ChatAgent) RunStream(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent) error {
	return c.run(ctx, ec, ch, c.stepStream)
}

func (c *ChatAgent) stepStream(ctx context.Context, ec *ExecutionContext, emit func(ExecutionEvent)) error {
	msgs, err := c.conversationWindow(ctx, ec)
	if err != nil {
		return err
	}

	tokens := make(chan string, 64)
	var (
		resp   ChatResponse
		llmErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, llmErr = c.llm.ChatStream(ctx, ChatRequest{Messages: msgs}, tokens)
	}()
	for tok := range tokens {
		if t := sanitizeStream(tok); t != "" {
			emit(TokenEvent(t, c.messageType))
		}
	}
	<-done
	if llmErr != nil {
		return llmErr
	}

	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return &ErrLLM{Provider: c.llm.Name(), Message: "empty completion"}
	}
	if _, err := c.memory.AddMessage(ctx, Message{
		SessionID:  ec.SessionID,
		Role:       "assistant",
		Content:    content,
		Speaker:    c.speaker,
		Category:   categoryForMessageType(c.messageType),
		VisibleFor: c.visibleFor,
	}); err != nil {
		return err
	}
	c.recordAssistant(content)
	c.finish()
	return nil
}

var _ Runnable = (*ChatAgent)(nil)
