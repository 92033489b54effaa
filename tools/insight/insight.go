// Package insight holds the character's introspection tools: Reflection
// records inner thoughts; Strategy records the routing decision the
// character flow later reads.
package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/reverie"
)

const (
	NameReflection = "reflection"
	NameStrategy   = "strategy"
)

// --- reflection ---

type reflectionTool struct{}

// Reflection returns the tool that persists an inner thought as a THOUGHT
// message. The user never sees it; later conversation windows do.
func Reflection() reverie.Tool { return reflectionTool{} }

func (reflectionTool) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        NameReflection,
		Description: "Record a private reflection: what happened, how you feel about it, what you want to remember.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {
					"type": "string",
					"description": "The reflection, in the character's inner voice."
				}
			},
			"required": ["content"]
		}`),
	}
}

func (reflectionTool) Execute(ctx context.Context, args json.RawMessage, tc *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(in.Content) == "" {
		return reverie.ToolResult{Error: "empty content"}, nil
	}
	if _, err := tc.Memory.AddMessage(ctx, reverie.Message{
		SessionID:  tc.SessionID,
		Role:       "assistant",
		Content:    in.Content,
		Speaker:    tc.CharacterID,
		Category:   reverie.CategoryThought,
		VisibleFor: tc.VisibleFor,
	}); err != nil {
		return reverie.ToolResult{}, fmt.Errorf("persist reflection: %w", err)
	}
	return reverie.ToolResult{Content: "Reflection recorded."}, nil
}

// --- strategy ---

type strategyTool struct{}

// Strategy returns the routing-decision tool. Its result content is the
// decision payload as JSON so a flow output adapter can read it back.
func Strategy() reverie.Tool { return strategyTool{} }

func (strategyTool) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        NameStrategy,
		Description: "Decide how to respond to the user right now and with what approach.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"decision": {
					"type": "string",
					"enum": ["speakinperson", "telegram"],
					"description": "The response channel."
				},
				"strategy": {
					"type": "string",
					"description": "Short guidance for the responding agent: tone, focus, what to avoid."
				}
			},
			"required": ["decision", "strategy"]
		}`),
	}
}

func (strategyTool) Execute(_ context.Context, args json.RawMessage, _ *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Decision string `json:"decision"`
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if in.Decision != "speakinperson" && in.Decision != "telegram" {
		return reverie.ToolResult{Error: fmt.Sprintf("unknown decision %q", in.Decision)}, nil
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return reverie.ToolResult{}, fmt.Errorf("encode decision: %w", err)
	}
	return reverie.ToolResult{Content: string(payload)}, nil
}
