package reverie

import (
	"context"
	"log/slog"
)

// RunState is the lifecycle state of a Runnable.
type RunState int32

const (
	StateIdle RunState = iota
	StateRunning
	StateFinished
	StateError
)

// String returns the state name.
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Runnable is a composable executable unit with identity, state, and a
// streaming run method. Agents and Flows both satisfy it, so a flow node can
// wrap either without caring which.
//
// RunStream sends ExecutionEvents into ch throughout execution and returns
// when the runnable is done. It never closes ch; the caller owns the
// channel and closes it after RunStream returns.
type Runnable interface {
	// ID returns the runnable's unique instance identifier.
	ID() string
	// Name returns the runnable's human-readable identifier.
	Name() string
	// State returns the current lifecycle state.
	State() RunState
	// RunStream executes the runnable against ec, emitting events into ch.
	RunStream(ctx context.Context, ec *ExecutionContext, ch chan<- ExecutionEvent) error
}

// RunCollect drives a runnable to completion and returns all emitted events.
// Intended for non-streaming callers and tests.
func RunCollect(ctx context.Context, r Runnable, ec *ExecutionContext) ([]ExecutionEvent, error) {
	ch := make(chan ExecutionEvent, 64)
	done := make(chan error, 1)
	go func() {
		done <- r.RunStream(ctx, ec, ch)
		close(ch)
	}()
	var events []ExecutionEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events, <-done
}

// nopLogger is a logger that discards all output. Used whenever a component
// is constructed without WithLogger.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool { return false }
func (discardHandler) Handle(context.Context, slog.Record) error {
	return nil
}
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler { return d }
func (d discardHandler) WithGroup(string) slog.Handler      { return d }
