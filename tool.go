package reverie

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolContext carries the per-request environment a tool executes in.
type ToolContext struct {
	SessionID   string
	CharacterID string
	VisibleFor  []string
	Memory      *Memory
	// Emit forwards streaming sub-events to the running agent. May be nil
	// when the caller is not streaming; tools must check.
	Emit func(ExecutionEvent)
}

// ToolResult is the outcome of a tool execution. Error is a user-visible
// failure description; the call itself still counts as completed.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Text returns the content to persist as the role=tool message body.
func (r ToolResult) Text() string {
	if r.Error != "" {
		return "error: " + r.Error
	}
	return r.Content
}

// Tool defines one agent capability.
type Tool interface {
	// Definition describes the tool for provider transport.
	Definition() ToolDefinition
	// Execute runs the tool. Errors returned here are programming or
	// environment failures; expected failures go into ToolResult.Error.
	Execute(ctx context.Context, args json.RawMessage, tc *ToolContext) (ToolResult, error)
}

// InlineTool marks tools whose output is user-visible text streamed as
// token events (speak, telegram) rather than side-channel tool_output.
type InlineTool interface {
	Tool
	// MessageType is the display lane tag attached to the token events.
	MessageType() string
}

// ToolCollection is an ordered, name-keyed bag of tools.
type ToolCollection struct {
	order  []string
	byName map[string]Tool
}

// NewToolCollection creates a collection holding the given tools in order.
// A duplicate name replaces the earlier tool but keeps its position.
func NewToolCollection(tools ...Tool) *ToolCollection {
	c := &ToolCollection{byName: make(map[string]Tool)}
	for _, t := range tools {
		c.Add(t)
	}
	return c
}

// Add appends a tool, replacing any previous tool with the same name.
func (c *ToolCollection) Add(t Tool) {
	name := t.Definition().Name
	if _, ok := c.byName[name]; !ok {
		c.order = append(c.order, name)
	}
	c.byName[name] = t
}

// Get returns the tool registered under name.
func (c *ToolCollection) Get(name string) (Tool, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns the tool names in registration order.
func (c *ToolCollection) Names() []string {
	return append([]string(nil), c.order...)
}

// Len returns the number of registered tools.
func (c *ToolCollection) Len() int { return len(c.order) }

// Definitions returns all tool definitions in registration order, for
// provider transport.
func (c *ToolCollection) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(c.order))
	for _, name := range c.order {
		defs = append(defs, c.byName[name].Definition())
	}
	return defs
}

// Subset returns a new collection holding only the named tools, in the
// given order. Unknown names are skipped.
func (c *ToolCollection) Subset(names ...string) *ToolCollection {
	sub := NewToolCollection()
	for _, name := range names {
		if t, ok := c.byName[name]; ok {
			sub.Add(t)
		}
	}
	return sub
}

// Execute dispatches a call to the named tool.
func (c *ToolCollection) Execute(ctx context.Context, name string, args json.RawMessage, tc *ToolContext) (ToolResult, error) {
	t, ok := c.byName[name]
	if !ok {
		return ToolResult{}, &ErrInvalid{Op: "tools.execute", Message: fmt.Sprintf("unknown tool %q", name)}
	}
	return t.Execute(ctx, args, tc)
}

// TerminateToolName is the reserved name of the loop-ending tool. Agents
// transition to finished when the model calls it.
const TerminateToolName = "terminate"

// TerminateTool ends the agent loop. Registered with every tool-calling
// agent so the model can signal completion explicitly.
type TerminateTool struct{}

func (TerminateTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        TerminateToolName,
		Description: "End the current interaction when the task is complete or no further action is useful.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"status": {
					"type": "string",
					"description": "Completion status.",
					"enum": ["success", "failure"]
				}
			},
			"required": ["status"]
		}`),
	}
}

func (TerminateTool) Execute(_ context.Context, args json.RawMessage, _ *ToolContext) (ToolResult, error) {
	var in struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		in.Status = "success"
	}
	return ToolResult{Content: "interaction ended with status: " + in.Status}, nil
}

var _ Tool = TerminateTool{}
