package openaicompat

import (
	"encoding/json"
	"fmt"

	"github.com/nevindra/reverie"
)

// ParseResponse converts an OpenAI-format response to the
// provider-independent shape, extracting content, tool calls, and usage
// from choices[0].
func ParseResponse(resp ChatResponse) (reverie.ChatResponse, error) {
	var out reverie.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = reverie.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to reverie ToolCalls.
// Arguments arrive as a JSON string; invalid JSON degrades to "{}".
// Missing ids get positional "call_<index>" fallbacks.
func ParseToolCalls(tcs []ToolCallRequest) []reverie.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]reverie.ToolCall, 0, len(tcs))
	for i, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out = append(out, reverie.ToolCall{
			ID:   id,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
