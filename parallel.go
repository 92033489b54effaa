package reverie

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// parallelItem is one entry on a ParallelFlow's shared queue: either a
// forwarded event or a node completion marker.
type parallelItem struct {
	event      ExecutionEvent
	marker     bool
	nodeID     string
	isResponse bool
	err        error
}

// ParallelFlow launches all nodes concurrently. Response nodes gate the
// stream: once every response node has completed, the flow emits final and
// returns. Background nodes keep running past that point; the caller may
// WaitBackground or CancelBackground later. A node failure produces one
// error event and never aborts its siblings.
type ParallelFlow struct {
	id     string
	name   string
	nodes  []FlowNode
	logger *slog.Logger
	tracer Tracer

	state atomic.Int32

	mu         sync.Mutex
	background sync.WaitGroup
	cancels    []context.CancelFunc
}

// NewParallelFlow creates a parallel flow over nodes.
func NewParallelFlow(name string, nodes []FlowNode, opts ...FlowOption) *ParallelFlow {
	cfg := flowConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ParallelFlow{
		id:     NewID(),
		name:   name,
		nodes:  nodes,
		logger: cfg.logger,
		tracer: cfg.tracer,
	}
}

// ID returns the flow's instance id.
func (f *ParallelFlow) ID() string { return f.id }

// Name returns the flow's name.
func (f *ParallelFlow) Name() string { return f.name }

// State returns the flow's lifecycle state.
func (f *ParallelFlow) State() RunState { return RunState(f.state.Load()) }

// RunStream implements Runnable.
func (f *ParallelFlow) RunStream(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent) (err error) {
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

	queue := make(chan parallelItem, 256)
	activeResponses := make(map[string]bool)
	totalNodes := 0

	for _, node := range f.nodes {
		node := node
		if !node.Background {
			activeResponses[node.ID] = true
		}
		totalNodes++

		nodeCtx := ec
		if node.InputAdapter != nil {
			nodeCtx = node.InputAdapter(ec)
		}

		// Background branches detach from the request context so a client
		// disconnect does not kill them; CancelBackground still can.
		runCtx := ctx
		if node.Background {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
			f.mu.Lock()
			f.cancels = append(f.cancels, cancel)
			f.mu.Unlock()
			f.background.Add(1)
		}

		go func() {
			if node.Background {
				defer f.background.Done()
			}
			runnable := node.Factory(nodeCtx)
			mid := make(chan ExecutionEvent, 64)
			done := make(chan error, 1)
			go func() {
				done <- runnable.RunStream(runCtx, nodeCtx, mid)
				close(mid)
			}()
			for ev := range mid {
				if ev.Type == EventFinal {
					continue
				}
				queue <- parallelItem{event: ev}
			}
			runErr := <-done
			if runErr == nil && node.OutputAdapter != nil {
				// Parallel branches cannot mutate the shared context;
				// adapters run for their side effects only.
				node.OutputAdapter(runnable, nodeCtx)
			}
			queue <- parallelItem{
				marker:     true,
				nodeID:     node.ID,
				isResponse: !node.Background,
				err:        runErr,
			}
		}()
	}

	emit := func(ev ExecutionEvent) {
		select {
		case ch <- ev.WithPath(f.name):
		case <-ctx.Done():
		}
	}

	// Drain until every response node completes. A separate drainer then
	// keeps consuming so late background sends never block.
	markersSeen := 0
	for len(activeResponses) > 0 {
		item := <-queue
		if !item.marker {
			emit(item.event)
			continue
		}
		markersSeen++
		if item.err != nil {
			f.logger.Warn("parallel node failed", "flow", f.name, "node", item.nodeID, "error", item.err)
			emit(ErrorEvent(fmt.Errorf("node %s: %w", item.nodeID, item.err)))
		}
		if item.isResponse {
			delete(activeResponses, item.nodeID)
		}
	}
	go func(remaining int) {
		for i := 0; i < remaining; i++ {
			item := <-queue
			if item.marker {
				continue
			}
			i--
		}
	}(totalNodes - markersSeen)

	emit(FinalEvent(""))
	return nil
}

// WaitBackground blocks until all background branches finish or the timeout
// elapses. Returns false on timeout.
func (f *ParallelFlow) WaitBackground(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.background.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// CancelBackground delivers cooperative cancellation to all background
// branches.
func (f *ParallelFlow) CancelBackground() {
	f.mu.Lock()
	cancels := f.cancels
	f.cancels = nil
	f.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

var _ Runnable = (*ParallelFlow)(nil)
