package reverie

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultMaxSteps bounds the agent loop when no option overrides it.
const DefaultMaxSteps = 10

// stuckWindow is how many previous assistant messages the stuck detector
// compares against.
const stuckWindow = 2

// stuckPrompt is prepended to the next-step prompt when the stuck detector
// fires.
const stuckPrompt = "Observed duplicate responses. Consider new strategies and avoid repeating ineffective paths already attempted.\n"

// BaseAgent carries the state and behavior shared by every agent: identity,
// lifecycle state, memory and provider handles, and the step loop with its
// stuck detector. Concrete agents supply the per-step behavior.
type BaseAgent struct {
	id          string
	name        string
	sessionID   string
	characterID string
	visibleFor  []string
	speaker     string

	memory *Memory
	llm    Provider
	logger *slog.Logger
	tracer Tracer

	maxSteps       int
	historyLimit   int
	systemPrompt   string
	nextStepPrompt string
	messageType    string
	ingestInput    bool

	state atomic.Int32

	// per-run scratch, reset at the top of run
	recentAssistant []string
	stuckHint       bool
	lastResponse    string
}

// AgentOption configures a BaseAgent.
type AgentOption func(*BaseAgent)

// WithAgentID sets the agent's instance id (default: a fresh UUIDv7).
func WithAgentID(id string) AgentOption {
	return func(a *BaseAgent) { a.id = id }
}

// WithLogger sets the agent's structured logger.
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *BaseAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTracer sets the agent's tracer. Nil disables tracing.
func WithTracer(t Tracer) AgentOption {
	return func(a *BaseAgent) { a.tracer = t }
}

// WithMaxSteps bounds the agent loop (default: DefaultMaxSteps).
func WithMaxSteps(n int) AgentOption {
	return func(a *BaseAgent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// WithSystemPrompt sets the system prompt sent on every step.
func WithSystemPrompt(p string) AgentOption {
	return func(a *BaseAgent) { a.systemPrompt = p }
}

// WithNextStepPrompt sets the per-step steering prompt appended after the
// conversation window.
func WithNextStepPrompt(p string) AgentOption {
	return func(a *BaseAgent) { a.nextStepPrompt = p }
}

// WithMessageType tags the agent's token events with a display lane.
func WithMessageType(t string) AgentOption {
	return func(a *BaseAgent) { a.messageType = t }
}

// WithCharacter scopes the agent's reads and writes to one character.
func WithCharacter(characterID string) AgentOption {
	return func(a *BaseAgent) { a.characterID = characterID }
}

// WithSpeaker sets the speaker name stamped on assistant messages.
func WithSpeaker(name string) AgentOption {
	return func(a *BaseAgent) { a.speaker = name }
}

// WithHistoryLimit sets how many recent messages are loaded into the
// conversation window (default: 50).
func WithHistoryLimit(n int) AgentOption {
	return func(a *BaseAgent) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithoutInputIngestion stops the agent from persisting ctx.UserInput as a
// user message at run start. Used inside flows where a dedicated node owns
// input ingestion.
func WithoutInputIngestion() AgentOption {
	return func(a *BaseAgent) { a.ingestInput = false }
}

func newBaseAgent(name string, memory *Memory, llm Provider, opts ...AgentOption) *BaseAgent {
	a := &BaseAgent{
		id:           NewID(),
		name:         name,
		memory:       memory,
		llm:          llm,
		logger:       nopLogger,
		maxSteps:     DefaultMaxSteps,
		historyLimit: 50,
		ingestInput:  true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID returns the agent's instance id.
func (a *BaseAgent) ID() string { return a.id }

// Name returns the agent's name.
func (a *BaseAgent) Name() string { return a.name }

// State returns the agent's lifecycle state.
func (a *BaseAgent) State() RunState { return RunState(a.state.Load()) }

func (a *BaseAgent) setState(s RunState) { a.state.Store(int32(s)) }

// finish transitions the agent to StateFinished; the run loop exits after
// the current step.
func (a *BaseAgent) finish() { a.setState(StateFinished) }

// stepFunc is one loop iteration of a concrete agent. emit forwards events
// to the run stream.
type stepFunc func(ctx context.Context, ec *ExecutionContext, emit func(ExecutionEvent)) error

// run drives the shared agent lifecycle around step. Precondition: the
// agent is idle. The loop runs until step marks the agent finished, maxSteps
// is exhausted, or an error occurs; the stuck detector inspects assistant
// output after each step and augments the next-step prompt when the agent
// repeats itself.
func (a *BaseAgent) run(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent, step stepFunc) (err error) {
	if !a.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return &ErrInvalid{Op: "agent.run", Message: fmt.Sprintf("agent %s is %s, not idle", a.name, a.State())}
	}
	a.recentAssistant = a.recentAssistant[:0]
	a.stuckHint = false
	a.lastResponse = ""
	a.sessionID = ec.SessionID
	if ec.CharacterID != "" {
		a.characterID = ec.CharacterID
	}
	a.visibleFor = ec.VisibleFor

	defer func() {
		if r := recover(); r != nil {
			a.setState(StateError)
			panic(r)
		}
		if err != nil {
			a.setState(StateError)
			return
		}
		a.setState(StateIdle)
	}()

	var span Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "agent.run",
			StringAttr("agent", a.name),
			StringAttr("session_id", ec.SessionID))
		defer span.End()
	}

	emit := func(ev ExecutionEvent) {
		select {
		case ch <- ev.WithPath(a.name):
		case <-ctx.Done():
		}
	}

	start := time.Now()
	if a.ingestInput && ec.UserInput != "" {
		if err := a.appendUserMessage(ctx, ec); err != nil {
			emit(ErrorEvent(err))
			if span != nil {
				span.Error(err)
			}
			return err
		}
	}

	for stepNum := 1; stepNum <= a.maxSteps && a.State() == StateRunning; stepNum++ {
		emit(StepEvent(stepNum, a.maxSteps))
		if err := step(ctx, ec, emit); err != nil {
			a.logger.Error("agent step failed", "agent", a.name, "step", stepNum, "error", err)
			emit(ErrorEvent(err))
			if span != nil {
				span.Error(err)
			}
			return err
		}
		a.detectStuck()
	}
	if a.State() == StateRunning {
		a.logger.Warn("agent exhausted max steps", "agent", a.name, "max_steps", a.maxSteps)
	}

	emit(FinalEvent(a.lastResponse))
	a.logger.Debug("agent run complete",
		"agent", a.name,
		"session_id", ec.SessionID,
		"duration", time.Since(start))
	return nil
}

// appendUserMessage persists ctx.UserInput with the category derived from
// the input mode and the run's visibility set.
func (a *BaseAgent) appendUserMessage(ctx context.Context, ec *ExecutionContext) error {
	_, err := a.memory.AddMessage(ctx, Message{
		SessionID:  ec.SessionID,
		Role:       "user",
		Content:    ec.UserInput,
		Speaker:    "user",
		Category:   ec.InputMode.Category(),
		VisibleFor: ec.VisibleFor,
	})
	return err
}

// recordAssistant tracks assistant output for the stuck detector and keeps
// the latest response for the final event.
func (a *BaseAgent) recordAssistant(content string) {
	if content != "" {
		a.lastResponse = content
	}
	a.recentAssistant = append(a.recentAssistant, content)
}

// detectStuck compares the newest assistant message against the previous
// stuckWindow ones; on a duplicate it prepends a steering paragraph to the
// next-step prompt, once.
func (a *BaseAgent) detectStuck() {
	n := len(a.recentAssistant)
	if n < 2 {
		return
	}
	last := a.recentAssistant[n-1]
	if last == "" {
		return
	}
	lo := n - 1 - stuckWindow
	if lo < 0 {
		lo = 0
	}
	for _, prev := range a.recentAssistant[lo : n-1] {
		if prev == last {
			if !a.stuckHint {
				a.nextStepPrompt = stuckPrompt + a.nextStepPrompt
				a.stuckHint = true
			}
			a.logger.Warn("stuck state detected", "agent", a.name)
			return
		}
	}
}

// conversationWindow loads the recent history plus system and steering
// prompts as a provider message list.
func (a *BaseAgent) conversationWindow(ctx context.Context, ec *ExecutionContext) ([]ChatMessage, error) {
	msgs := make([]ChatMessage, 0, a.historyLimit+2)
	if a.systemPrompt != "" {
		msgs = append(msgs, SystemMessage(a.systemPrompt))
	}
	history, err := a.memory.RecentMessages(ctx, ec.SessionID, a.historyLimit, MessageFilter{
		CharacterID: a.characterID,
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		msgs = append(msgs, m.ChatView())
	}
	if a.nextStepPrompt != "" {
		msgs = append(msgs, UserMessage(a.nextStepPrompt))
	}
	return RepairTranscript(msgs), nil
}

// categoryForMessageType maps a display lane to the persistence category
// for the assistant messages a chat agent writes.
func categoryForMessageType(messageType string) MessageCategory {
	switch messageType {
	case MessageTypeTelegram:
		return CategoryTelegram
	case MessageTypeSpeak:
		return CategorySpeakInPerson
	case MessageTypeThought:
		return CategoryThought
	default:
		return CategoryNormal
	}
}

// Display lane tags carried on token and tool_output events.
const (
	MessageTypeChat     = "chat"
	MessageTypeTelegram = "send_telegram_message"
	MessageTypeSpeak    = "speak_in_person"
	MessageTypeThought  = "thought"
)

// sanitizeStream drops blank lines from streamed text so the client never
// renders empty token frames.
func sanitizeStream(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}
