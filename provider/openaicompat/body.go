package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/reverie"
)

// BuildBody converts reverie chat messages into an OpenAI-format request.
// System messages stay in the messages array as role:"system".
func BuildBody(messages []reverie.ChatMessage, tools []reverie.ToolDefinition, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
			})

		default:
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts reverie tool definitions to OpenAI tool format.
func BuildToolDefs(tools []reverie.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// toolChoiceValue maps the provider-independent tool choice to the wire
// value. Unknown values map to "auto".
func toolChoiceValue(tc reverie.ToolChoice) any {
	switch tc {
	case reverie.ToolChoiceNone, reverie.ToolChoiceAuto, reverie.ToolChoiceRequired:
		return string(tc)
	case "":
		return nil
	default:
		return "auto"
	}
}
