package reverie

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// FlowNode is one unit of a flow: a factory for the runnable to execute
// plus the adapters that wire it into the shared context.
type FlowNode struct {
	ID   string
	Name string
	// Factory builds the node's runnable from the current context. Called
	// once per execution so agents always start idle.
	Factory func(ec *ExecutionContext) Runnable
	// InputAdapter derives the context the runnable sees. Nil passes the
	// flow context through unchanged.
	InputAdapter func(ec *ExecutionContext) *ExecutionContext
	// OutputAdapter extracts data from the finished runnable. Returning an
	// empty map means "no valid output, do not overwrite context"; a
	// non-empty map merges into the flow context.
	OutputAdapter func(r Runnable, ec *ExecutionContext) map[string]any
	// NextSelector names the node to run next. Empty string ends the flow.
	// A nil selector marks the node terminal.
	NextSelector func(ec *ExecutionContext) string
	// Background marks the node as a fire-and-forget branch (ParallelFlow
	// only); its completion does not gate the response stream.
	Background bool
	// CanStopResponse lets the node's output close the response stream
	// early: when the node's output adapter publishes KeyStopResponse, the
	// flow sets ctx.StopResponse and ends after this node. Nodes without
	// the flag cannot stop the stream even if they publish the key.
	CanStopResponse bool
}

// KeyStopResponse is the data key an output adapter publishes (value true)
// to request an early close of the response stream. Honored only on nodes
// flagged CanStopResponse.
const KeyStopResponse = "stop_response"

// SequentialFlow runs nodes one after another, routing between them with
// each node's next selector. A node visited twice terminates the flow, so
// selector cycles cannot loop forever.
type SequentialFlow struct {
	id     string
	name   string
	nodes  []FlowNode
	byID   map[string]int
	logger *slog.Logger
	tracer Tracer

	state atomic.Int32
}

// FlowOption configures a flow.
type FlowOption func(*flowConfig)

type flowConfig struct {
	logger *slog.Logger
	tracer Tracer
}

// WithFlowLogger sets the flow's logger.
func WithFlowLogger(l *slog.Logger) FlowOption {
	return func(c *flowConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFlowTracer sets the flow's tracer.
func WithFlowTracer(t Tracer) FlowOption {
	return func(c *flowConfig) { c.tracer = t }
}

// NewSequentialFlow creates a flow that starts at nodes[0].
func NewSequentialFlow(name string, nodes []FlowNode, opts ...FlowOption) *SequentialFlow {
	cfg := flowConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	byID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		byID[n.ID] = i
	}
	return &SequentialFlow{
		id:     NewID(),
		name:   name,
		nodes:  nodes,
		byID:   byID,
		logger: cfg.logger,
		tracer: cfg.tracer,
	}
}

// ID returns the flow's instance id.
func (f *SequentialFlow) ID() string { return f.id }

// Name returns the flow's name.
func (f *SequentialFlow) Name() string { return f.name }

// State returns the flow's lifecycle state.
func (f *SequentialFlow) State() RunState { return RunState(f.state.Load()) }

// RunStream implements Runnable. Each node execution emits a flow_step
// header, then the nested runnable's events with the nested final stripped;
// the flow emits its own final when it ends.
func (f *SequentialFlow) RunStream(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent) (err error) {
	if !f.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return &ErrInvalid{Op: "flow.run", Message: fmt.Sprintf("flow %s is %s, not idle", f.name, f.State())}
	}
	defer func() {
		if err != nil {
			f.state.Store(int32(StateError))
			return
		}
		f.state.Store(int32(StateIdle))
	}()
	if len(f.nodes) == 0 {
		return &ErrInvalid{Op: "flow.run", Message: "flow has no nodes"}
	}

	var span Span
	if f.tracer != nil {
		ctx, span = f.tracer.Start(ctx, "flow.run",
			StringAttr("flow", f.name),
			StringAttr("session_id", ec.SessionID))
		defer span.End()
	}

	emit := func(ev ExecutionEvent) {
		select {
		case ch <- ev.WithPath(f.name):
		case <-ctx.Done():
		}
	}

	visited := make(map[string]bool)
	idx := 0
	var lastFinal string
	for step := 1; ; step++ {
		node := f.nodes[idx]
		if visited[node.ID] {
			f.logger.Warn("flow revisited node, terminating", "flow", f.name, "node", node.ID)
			break
		}
		visited[node.ID] = true
		emit(FlowStepEvent(node.Name, step, len(f.nodes)))

		nodeCtx := ec
		if node.InputAdapter != nil {
			nodeCtx = node.InputAdapter(ec)
		}
		runnable := node.Factory(nodeCtx)

		final, runErr := forwardNode(ctx, runnable, nodeCtx, emit)
		if runErr != nil {
			emit(ErrorEvent(fmt.Errorf("node %s: %w", node.Name, runErr)))
			if span != nil {
				span.Error(runErr)
			}
			return runErr
		}
		if final != "" {
			lastFinal = final
		}

		if node.OutputAdapter != nil {
			ec = ec.Merge(node.OutputAdapter(runnable, ec))
		}
		if node.CanStopResponse && !ec.StopResponse && ec.Bool(KeyStopResponse) {
			ec = ec.WithStopResponse()
		}
		if node.CanStopResponse && ec.StopResponse {
			f.logger.Debug("flow stop requested", "flow", f.name, "node", node.ID)
			break
		}

		if node.NextSelector == nil {
			break
		}
		nextID := node.NextSelector(ec)
		if nextID == "" {
			break
		}
		next, ok := f.byID[nextID]
		if !ok {
			f.logger.Warn("flow selector returned unknown node", "flow", f.name, "node", nextID)
			break
		}
		idx = next
	}

	emit(FinalEvent(lastFinal))
	return nil
}

// forwardNode runs a nested runnable and re-emits its events, stripping the
// nested final event. Returns the stripped final's content.
func forwardNode(ctx context.Context, r Runnable, ec *ExecutionContext, emit func(ExecutionEvent)) (string, error) {
	mid := make(chan ExecutionEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- r.RunStream(ctx, ec, mid)
		close(mid)
	}()
	var final string
	for ev := range mid {
		if ev.Type == EventFinal {
			final = ev.Content
			continue
		}
		emit(ev)
	}
	return final, <-done
}

var _ Runnable = (*SequentialFlow)(nil)
