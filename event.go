package reverie

// EventType identifies the kind of execution event.
type EventType string

const (
	// EventToken carries an incremental user-visible text chunk.
	EventToken EventType = "token"
	// EventToolStatus signals a tool is about to be or is being invoked.
	EventToolStatus EventType = "tool_status"
	// EventToolOutput carries a complete side-channel tool payload.
	EventToolOutput EventType = "tool_output"
	// EventStep marks the start of one agent loop iteration.
	EventStep EventType = "step"
	// EventFlowStep marks the start of one flow node.
	EventFlowStep EventType = "flow_step"
	// EventFinal marks the end of a runnable's response stream.
	EventFinal EventType = "final"
	// EventError reports a failure scoped to one runnable or node.
	EventError EventType = "error"
	// EventDone is the transport-level terminator emitted by the boundary.
	EventDone EventType = "done"
)

// ExecutionEvent is the unified event emitted by every Runnable.
// Path records the nesting of runnables that produced the event, outermost
// first, so consumers can attribute events inside composed flows.
type ExecutionEvent struct {
	Type        EventType      `json:"type"`
	Content     string         `json:"content,omitempty"`
	Step        int            `json:"step,omitempty"`
	TotalSteps  int            `json:"total_steps,omitempty"`
	MessageType string         `json:"message_type,omitempty"`
	MessageID   string         `json:"message_id,omitempty"`
	Path        []string       `json:"execution_path,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WithPath returns a copy of the event with name prepended to the path.
func (e ExecutionEvent) WithPath(name string) ExecutionEvent {
	path := make([]string, 0, len(e.Path)+1)
	path = append(path, name)
	path = append(path, e.Path...)
	e.Path = path
	return e
}

// TokenEvent builds a token event tagged with a display lane.
func TokenEvent(content, messageType string) ExecutionEvent {
	return ExecutionEvent{Type: EventToken, Content: content, MessageType: messageType}
}

// ToolStatusEvent builds a tool_status event.
func ToolStatusEvent(content string) ExecutionEvent {
	return ExecutionEvent{Type: EventToolStatus, Content: content}
}

// ToolOutputEvent builds a tool_output event; messageType carries the tool
// name so clients can route payloads to separate display lanes.
func ToolOutputEvent(content, messageType string) ExecutionEvent {
	return ExecutionEvent{Type: EventToolOutput, Content: content, MessageType: messageType}
}

// StepEvent builds a step header event.
func StepEvent(step, total int) ExecutionEvent {
	return ExecutionEvent{Type: EventStep, Step: step, TotalSteps: total}
}

// FlowStepEvent builds a flow node header event.
func FlowStepEvent(nodeName string, step, total int) ExecutionEvent {
	return ExecutionEvent{Type: EventFlowStep, Content: nodeName, Step: step, TotalSteps: total}
}

// FinalEvent builds a terminal final event.
func FinalEvent(content string) ExecutionEvent {
	return ExecutionEvent{Type: EventFinal, Content: content}
}

// ErrorEvent builds an error event from err.
func ErrorEvent(err error) ExecutionEvent {
	return ExecutionEvent{Type: EventError, Content: err.Error()}
}
