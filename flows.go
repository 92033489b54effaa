package reverie

import (
	"context"
	"fmt"
)

// Flow type names accepted by BuildFlow.
const (
	FlowCharacter    = "character_flow"
	FlowChatParallel = "chat_parallel"
	FlowLina         = "lina"
	FlowSera         = "sera"
)

// DefaultReflectionEvery is the dialogue-turn cadence at which the writer
// branch joins the parallel flow.
const DefaultReflectionEvery = 5

// FlowDeps extends AgentDeps with flow-level knobs.
type FlowDeps struct {
	AgentDeps
	// ReflectionEvery is the dialogue-turn cadence for the background
	// writer branch (default: DefaultReflectionEvery).
	ReflectionEvery int
}

func (d FlowDeps) reflectionEvery() int {
	if d.ReflectionEvery > 0 {
		return d.ReflectionEvery
	}
	return DefaultReflectionEvery
}

// BuildFlow resolves a flow type name to a fresh prebuilt flow. An empty
// name builds the default chat_parallel topology. The character flow is
// wrapped with the user-intake node here; NewCharacterFlow alone is the
// bare response subflow and persists no user input.
func BuildFlow(flowType string, d FlowDeps) (Runnable, error) {
	switch flowType {
	case "", FlowChatParallel, FlowLina:
		return NewLinaFlow(d), nil
	case FlowCharacter:
		return newStandaloneCharacterFlow(d), nil
	case FlowSera:
		return NewSeraFlow(d), nil
	default:
		return nil, &ErrInvalid{Op: "flow.build", Message: fmt.Sprintf("unknown flow type %q", flowType)}
	}
}

// newStandaloneCharacterFlow prepends the shared user-intake node to the
// routed character flow so the standalone topology persists user input
// like the other prebuilts.
func newStandaloneCharacterFlow(d FlowDeps) *SequentialFlow {
	flowOpts := []FlowOption{WithFlowLogger(d.Logger), WithFlowTracer(d.Tracer)}
	nodes := []FlowNode{
		userNode(d, "character"),
		{
			ID:   "character",
			Name: "character_flow",
			Factory: func(ec *ExecutionContext) Runnable {
				return NewCharacterFlow(d)
			},
		},
	}
	return NewSequentialFlow(FlowCharacter, nodes, flowOpts...)
}

// NewCharacterFlow builds the routed response flow: the strategy agent
// decides the modality, then either the speak or telegram agent produces
// the reply. A missing or invalid decision ends the flow without a reply.
func NewCharacterFlow(d FlowDeps) *SequentialFlow {
	flowOpts := []FlowOption{WithFlowLogger(d.Logger), WithFlowTracer(d.Tracer)}
	nodes := []FlowNode{
		{
			ID:   "strategy",
			Name: "strategy",
			Factory: func(ec *ExecutionContext) Runnable {
				return NewStrategyAgent(d.AgentDeps)
			},
			OutputAdapter: StrategyOutput,
			NextSelector: func(ec *ExecutionContext) string {
				switch ec.String("decision") {
				case DecisionSpeakInPerson:
					return "speak"
				case DecisionTelegram:
					return "telegram"
				default:
					return ""
				}
			},
		},
		{
			ID:   "speak",
			Name: "speak",
			Factory: func(ec *ExecutionContext) Runnable {
				return NewSpeakAgent(d.AgentDeps, WithNextStepPrompt(strategySteer(ec)))
			},
		},
		{
			ID:   "telegram",
			Name: "telegram",
			Factory: func(ec *ExecutionContext) Runnable {
				return NewTelegramAgent(d.AgentDeps, WithNextStepPrompt(strategySteer(ec)))
			},
		},
	}
	return NewSequentialFlow(FlowCharacter, nodes, flowOpts...)
}

// strategySteer turns the published strategy into a next-step prompt for
// the responding agent.
func strategySteer(ec *ExecutionContext) string {
	s := ec.String("strategy")
	if s == "" {
		return ""
	}
	return "Response strategy: " + s
}

// NewLinaFlow builds the default chat_parallel topology: the user node
// ingests input, then a parallel stage runs the character flow as the
// response branch and, every Nth dialogue turn, the writer agent as a
// background branch that keeps running after the response stream closes.
func NewLinaFlow(d FlowDeps) *SequentialFlow {
	flowOpts := []FlowOption{WithFlowLogger(d.Logger), WithFlowTracer(d.Tracer)}
	nodes := []FlowNode{
		userNode(d, "main"),
		{
			ID:   "main",
			Name: "parallel",
			Factory: func(ec *ExecutionContext) Runnable {
				parallel := []FlowNode{
					{
						ID:   "response",
						Name: "character_flow",
						Factory: func(ec *ExecutionContext) Runnable {
							return NewCharacterFlow(d)
						},
					},
				}
				if d.writerDue(ec) {
					parallel = append(parallel, FlowNode{
						ID:         "writer",
						Name:       "writer",
						Background: true,
						Factory: func(ec *ExecutionContext) Runnable {
							return NewWriterAgent(d.AgentDeps)
						},
					})
				}
				return NewParallelFlow("parallel", parallel, flowOpts...)
			},
		},
	}
	return NewSequentialFlow(FlowLina, nodes, flowOpts...)
}

// NewSeraFlow builds the plain topology: user ingestion, then the full
// tool-calling character agent.
func NewSeraFlow(d FlowDeps) *SequentialFlow {
	flowOpts := []FlowOption{WithFlowLogger(d.Logger), WithFlowTracer(d.Tracer)}
	nodes := []FlowNode{
		userNode(d, "character"),
		{
			ID:   "character",
			Name: "character",
			Factory: func(ec *ExecutionContext) Runnable {
				return NewCharacterAgent(d.AgentDeps)
			},
		},
	}
	return NewSequentialFlow(FlowSera, nodes, flowOpts...)
}

// userNode is the shared ingestion node: it persists the user input and,
// for command-mode input, skips the response stage entirely.
func userNode(d FlowDeps, next string) FlowNode {
	return FlowNode{
		ID:   "user",
		Name: "user",
		Factory: func(ec *ExecutionContext) Runnable {
			return NewUserAgent(d.Memory, d.Logger)
		},
		OutputAdapter:   UserOutput,
		CanStopResponse: true,
		NextSelector: func(ec *ExecutionContext) string {
			if ec.Bool("skip_next_node") {
				return ""
			}
			return next
		},
	}
}

// writerDue reports whether the background writer branch should run for
// this turn: the user's completed dialogue turns are a multiple of the
// reflection cadence.
func (d FlowDeps) writerDue(ec *ExecutionContext) bool {
	if !ec.InputMode.Category().dialogue() {
		return false
	}
	count, err := d.Memory.CountDialogueMessages(context.Background(), ec.SessionID, "user", nil)
	if err != nil {
		if d.Logger != nil {
			d.Logger.Warn("dialogue count failed", "session_id", ec.SessionID, "error", err)
		}
		return false
	}
	n := d.reflectionEvery()
	return count > 0 && count%n == 0
}

// dialogue reports whether the category counts as a spoken dialogue turn.
func (c MessageCategory) dialogue() bool {
	for _, d := range DialogueCategories {
		if c == d {
			return true
		}
	}
	return false
}
