package reverie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Canonical tool names used when carving subsets for the specialized agents.
const (
	ToolSpeakInPerson   = "speak_in_person"
	ToolSendTelegram    = "send_telegram_message"
	ToolDialogueHistory = "dialogue_history"
	ToolScheduleReader  = "schedule_reader"
	ToolScheduleWriter  = "schedule_writer"
	ToolScenarioReader  = "scenario_reader"
	ToolScenarioWriter  = "scenario_writer"
	ToolRelation        = "relation"
	ToolReflection      = "reflection"
	ToolStrategy        = "strategy"
	ToolWebSearch       = "web_search"
)

// AgentDeps bundles the collaborators the prebuilt agents share.
type AgentDeps struct {
	Memory *Memory
	LLM    Provider
	// Tools is the full registry; each agent carves its own subset.
	Tools     *ToolCollection
	Character Character
	Logger    *slog.Logger
	Tracer    Tracer
}

func (d AgentDeps) baseOptions(extra ...AgentOption) []AgentOption {
	opts := []AgentOption{
		WithLogger(d.Logger),
		WithTracer(d.Tracer),
		WithCharacter(d.Character.ID),
		WithSpeaker(d.Character.Name),
	}
	return append(opts, extra...)
}

// NewCharacterAgent builds the full tool-calling character: every registered
// tool, speaking included.
func NewCharacterAgent(d AgentDeps, opts ...AgentOption) *ToolAgent {
	prompt := d.Character.SystemPrompt
	if prompt == "" {
		prompt = defaultCharacterPrompt
	}
	all := append(d.baseOptions(
		WithSystemPrompt(prompt),
		WithoutInputIngestion(),
	), opts...)
	return NewToolAgent("character", d.Memory, d.LLM, d.Tools, all...)
}

// NewTelegramAgent builds the chat-style agent that writes the character's
// text messages.
func NewTelegramAgent(d AgentDeps, opts ...AgentOption) *ChatAgent {
	all := append(d.baseOptions(
		WithSystemPrompt(defaultTelegramPrompt),
		WithMessageType(MessageTypeTelegram),
		WithoutInputIngestion(),
	), opts...)
	return NewChatAgent("telegram", d.Memory, d.LLM, all...)
}

// NewSpeakAgent builds the chat-style agent that writes the character's
// spoken lines.
func NewSpeakAgent(d AgentDeps, opts ...AgentOption) *ChatAgent {
	all := append(d.baseOptions(
		WithSystemPrompt(defaultSpeakPrompt),
		WithMessageType(MessageTypeSpeak),
		WithoutInputIngestion(),
	), opts...)
	return NewChatAgent("speak", d.Memory, d.LLM, all...)
}

// NewStrategyAgent builds the routing agent. Its tool subset can read
// memory and search but cannot speak; the strategy tool records the routing
// decision that StrategyOutput later extracts.
func NewStrategyAgent(d AgentDeps, opts ...AgentOption) *ToolAgent {
	subset := d.Tools.Subset(
		ToolStrategy,
		ToolWebSearch,
		ToolDialogueHistory,
		ToolScheduleReader,
		ToolScheduleWriter,
		ToolScenarioReader,
		ToolScenarioWriter,
		ToolRelation,
		ToolReflection,
		TerminateToolName,
	)
	all := append(d.baseOptions(
		WithSystemPrompt(defaultStrategyPrompt),
		WithoutInputIngestion(),
		WithMaxSteps(5),
	), opts...)
	return NewToolAgent("strategy", d.Memory, d.LLM, subset, all...)
}

// NewWriterAgent builds the silent background bookkeeper: writer tools only,
// no speaking, so it never emits tokens.
func NewWriterAgent(d AgentDeps, opts ...AgentOption) *ToolAgent {
	subset := d.Tools.Subset(
		ToolDialogueHistory,
		ToolScheduleReader,
		ToolScheduleWriter,
		ToolScenarioReader,
		ToolScenarioWriter,
		ToolRelation,
		ToolReflection,
		TerminateToolName,
	)
	all := append(d.baseOptions(
		WithSystemPrompt(defaultWriterPrompt),
		WithoutInputIngestion(),
	), opts...)
	return NewToolAgent("writer", d.Memory, d.LLM, subset, all...)
}

// strategyDecision is the payload the strategy tool writes.
type strategyDecision struct {
	Decision string `json:"decision"`
	Strategy string `json:"strategy"`
}

// Routing decisions the strategy tool may produce.
const (
	DecisionSpeakInPerson = "speakinperson"
	DecisionTelegram      = "telegram"
)

// StrategyOutput extracts the routing decision from a finished strategy
// agent. Returns the empty map when the tool was never called or its
// payload is invalid, leaving the flow context untouched.
func StrategyOutput(r Runnable, _ *ExecutionContext) map[string]any {
	agent, ok := r.(*ToolAgent)
	if !ok {
		return map[string]any{}
	}
	result, ok := agent.ToolResult(ToolStrategy)
	if !ok || result.Error != "" {
		return map[string]any{}
	}
	var d strategyDecision
	if err := json.Unmarshal([]byte(result.Content), &d); err != nil {
		return map[string]any{}
	}
	if d.Decision != DecisionSpeakInPerson && d.Decision != DecisionTelegram {
		return map[string]any{}
	}
	return map[string]any{
		"decision": d.Decision,
		"strategy": d.Strategy,
	}
}

// UserAgent persists the incoming user input as a single message and
// finishes. It is the ingestion node of the prebuilt flows: one step, no
// LLM. A command-mode input raises the skip flag so selectors can bypass
// the character's response.
type UserAgent struct {
	id     string
	name   string
	memory *Memory
	logger *slog.Logger

	state atomic.Int32
	skip  atomic.Bool
}

// NewUserAgent creates the ingestion agent.
func NewUserAgent(memory *Memory, logger *slog.Logger) *UserAgent {
	if logger == nil {
		logger = nopLogger
	}
	return &UserAgent{
		id:     NewID(),
		name:   "user",
		memory: memory,
		logger: logger,
	}
}

// ID returns the agent's instance id.
func (u *UserAgent) ID() string { return u.id }

// Name returns the agent's name.
func (u *UserAgent) Name() string { return u.name }

// State returns the agent's lifecycle state.
func (u *UserAgent) State() RunState { return RunState(u.state.Load()) }

// SkipRequested reports whether the last run asked to skip the next node.
func (u *UserAgent) SkipRequested() bool { return u.skip.Load() }

// RunStream implements Runnable.
func (u *UserAgent) RunStream(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent) (err error) {
	if !u.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return &ErrInvalid{Op: "agent.run", Message: fmt.Sprintf("agent %s is %s, not idle", u.name, u.State())}
	}
	defer func() {
		if err != nil {
			u.state.Store(int32(StateError))
			return
		}
		u.state.Store(int32(StateIdle))
	}()
	u.skip.Store(ec.InputMode == InputCommand)

	emit := func(ev ExecutionEvent) {
		select {
		case ch <- ev.WithPath(u.name):
		case <-ctx.Done():
		}
	}

	if ec.InputMode != InputSkip && ec.UserInput != "" {
		if _, err := u.memory.AddMessage(ctx, Message{
			SessionID:  ec.SessionID,
			Role:       "user",
			Content:    ec.UserInput,
			Speaker:    "user",
			Category:   ec.InputMode.Category(),
			VisibleFor: ec.VisibleFor,
		}); err != nil {
			emit(ErrorEvent(err))
			return err
		}
	}
	emit(FinalEvent(""))
	return nil
}

// UserOutput publishes the skip flag raised by a finished UserAgent. The
// stop-response request rides along so flows whose user node is flagged
// CanStopResponse close the response stream instead of routing onward.
func UserOutput(r Runnable, _ *ExecutionContext) map[string]any {
	agent, ok := r.(*UserAgent)
	if !ok || !agent.SkipRequested() {
		return map[string]any{}
	}
	return map[string]any{"skip_next_node": true, KeyStopResponse: true}
}

var _ Runnable = (*UserAgent)(nil)
