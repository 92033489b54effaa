package reverie

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// SSEDone is the transport terminator sentinel.
const SSEDone = "[DONE]"

// SSEFrame is the wire shape of one streamed chunk, OpenAI-delta flavored so
// existing chat clients can consume the stream unchanged.
type SSEFrame struct {
	ID      string      `json:"id,omitempty"`
	Object  string      `json:"object,omitempty"`
	Choices []SSEChoice `json:"choices,omitempty"`
	// ToolStatus carries progress lines outside the token stream.
	ToolStatus string `json:"tool_status,omitempty"`
	// FlowStage names the flow node a tool_status line belongs to.
	FlowStage string `json:"flow_stage,omitempty"`
	// ToolEvent routes token and tool_output content to a display lane.
	ToolEvent *SSEToolEvent `json:"tool_event,omitempty"`
}

// SSEChoice mirrors the OpenAI streaming choice shape.
type SSEChoice struct {
	Index        int      `json:"index"`
	Delta        SSEDelta `json:"delta"`
	FinishReason *string  `json:"finish_reason"`
}

// SSEDelta is the incremental content of a choice.
type SSEDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// SSEToolEvent tags a frame with its display lane.
type SSEToolEvent struct {
	MessageType string `json:"message_type,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
}

// FrameFor maps an ExecutionEvent to its wire frame. Returns ok=false for
// events that produce no frame: blank tokens after whitespace normalization
// and the done sentinel (written separately by the boundary).
func FrameFor(ev ExecutionEvent, streamID string) (SSEFrame, bool) {
	switch ev.Type {
	case EventToken, EventToolOutput:
		if strings.TrimSpace(ev.Content) == "" {
			return SSEFrame{}, false
		}
		frame := SSEFrame{
			ID:     streamID,
			Object: "chat.completion.chunk",
			Choices: []SSEChoice{{
				Delta: SSEDelta{Role: "assistant", Content: ev.Content},
			}},
		}
		if ev.MessageType != "" || ev.MessageID != "" {
			frame.ToolEvent = &SSEToolEvent{MessageType: ev.MessageType, MessageID: ev.MessageID}
		}
		return frame, true
	case EventToolStatus:
		return SSEFrame{ID: streamID, ToolStatus: ev.Content}, true
	case EventStep:
		return SSEFrame{
			ID:         streamID,
			ToolStatus: fmt.Sprintf("step %d/%d", ev.Step, ev.TotalSteps),
		}, true
	case EventFlowStep:
		return SSEFrame{
			ID:         streamID,
			ToolStatus: fmt.Sprintf("stage %d/%d", ev.Step, ev.TotalSteps),
			FlowStage:  ev.Content,
		}, true
	case EventError:
		return SSEFrame{ID: streamID, ToolStatus: "❌ " + ev.Content}, true
	case EventFinal:
		stop := "stop"
		return SSEFrame{
			ID:     streamID,
			Object: "chat.completion.chunk",
			Choices: []SSEChoice{{
				Delta:        SSEDelta{},
				FinishReason: &stop,
			}},
		}, true
	default:
		return SSEFrame{}, false
	}
}

// ServeSSE streams a runnable's events as Server-Sent Events over HTTP.
//
// It validates that w implements [http.Flusher], sets SSE headers, runs the
// runnable in a background goroutine, and writes each mapped frame as a
// `data: <json>` line. After the runnable finishes (or fails, which surfaces
// as a ❌ tool_status frame) the terminator `data: [DONE]` is written.
//
// Client disconnection propagates via ctx cancellation to the runnable;
// background flow branches detach themselves and keep running.
func ServeSSE(ctx context.Context, w http.ResponseWriter, r Runnable, ec *ExecutionContext) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	streamID := "chatcmpl-" + NewID()
	ch := make(chan ExecutionEvent, 64)
	var closeOnce sync.Once
	safeClose := func() { closeOnce.Do(func() { close(ch) }) }

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				safeClose()
				errCh <- fmt.Errorf("runnable panic: %v", p)
				return
			}
		}()
		err := r.RunStream(ctx, ec, ch)
		safeClose()
		errCh <- err
	}()

	for ev := range ch {
		frame, ok := FrameFor(ev, streamID)
		if !ok {
			continue
		}
		if err := writeSSEFrame(w, flusher, frame); err != nil {
			<-errCh
			return err
		}
	}

	runErr := <-errCh
	if runErr != nil {
		frame := SSEFrame{ID: streamID, ToolStatus: "❌ " + runErr.Error()}
		writeSSEFrame(w, flusher, frame)
	}

	fmt.Fprintf(w, "data: %s\n\n", SSEDone)
	flusher.Flush()
	return runErr
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, frame SSEFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal sse frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
