package reverie

import (
	"context"
	"log/slog"
)

// RepairTranscript fixes assistant/tool pairing in a message list so any
// OpenAI-compatible endpoint accepts it. Category-filtered history slices
// can orphan either side of a tool exchange; the repair is silent and lossy
// by design:
//
//  1. Walk left to right pairing role=tool rows to the most recent assistant
//     whose tool_calls claim the id. A user or system message closes the
//     pending assistant, so late tool rows do not pair across turns.
//  2. On every assistant except the last one, drop tool_calls entries that
//     never received a matching tool reply. The last assistant is assumed
//     in progress and kept as-is.
//  3. Drop every role=tool row that did not pair in step 1.
//  4. Drop assistants that carried tool_calls but lost all of them in
//     step 2, unless last.
func RepairTranscript(msgs []ChatMessage) []ChatMessage {
	lastAssistant := -1
	for i, m := range msgs {
		if m.Role == "assistant" {
			lastAssistant = i
		}
	}

	// Step 1: pair tool rows with pending assistant call ids.
	answered := make(map[string]bool) // call id -> has a paired tool reply
	paired := make([]bool, len(msgs)) // tool row index -> kept
	pendingIDs := make(map[string]bool)
	for i, m := range msgs {
		switch m.Role {
		case "assistant":
			pendingIDs = make(map[string]bool)
			for _, tc := range m.ToolCalls {
				pendingIDs[tc.ID] = true
			}
		case "user", "system":
			pendingIDs = make(map[string]bool)
		case "tool":
			id := m.ToolCallID
			if id != "" && pendingIDs[id] && !answered[id] {
				answered[id] = true
				paired[i] = true
			}
		}
	}

	out := make([]ChatMessage, 0, len(msgs))
	for i, m := range msgs {
		switch m.Role {
		case "assistant":
			if i == lastAssistant || len(m.ToolCalls) == 0 {
				out = append(out, m)
				continue
			}
			// Step 2: keep only answered calls.
			kept := make([]ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					kept = append(kept, tc)
				}
			}
			if len(kept) == 0 {
				// Step 4.
				continue
			}
			m.ToolCalls = kept
			out = append(out, m)
		case "tool":
			// Step 3.
			if paired[i] {
				out = append(out, m)
			}
		default:
			out = append(out, m)
		}
	}
	return out
}

// repairProvider validates and repairs the transcript before every call.
type repairProvider struct {
	inner  Provider
	logger *slog.Logger
}

// WithRepair wraps p so every request's message list passes through
// RepairTranscript first. Repairs log at WARN and are never surfaced as
// errors.
func WithRepair(p Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = nopLogger
	}
	return &repairProvider{inner: p, logger: logger}
}

func (r *repairProvider) Name() string { return r.inner.Name() }

func (r *repairProvider) repair(msgs []ChatMessage) []ChatMessage {
	repaired := RepairTranscript(msgs)
	if len(repaired) != len(msgs) {
		r.logger.Warn("repaired transcript",
			"provider", r.inner.Name(),
			"dropped", len(msgs)-len(repaired))
	}
	return repaired
}

func (r *repairProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	req.Messages = r.repair(req.Messages)
	return r.inner.Chat(ctx, req)
}

func (r *repairProvider) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	req.Messages = r.repair(req.Messages)
	return r.inner.ChatWithTools(ctx, req, tools)
}

func (r *repairProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	req.Messages = r.repair(req.Messages)
	return r.inner.ChatStream(ctx, req, ch)
}

var _ Provider = (*repairProvider)(nil)
