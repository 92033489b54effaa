// Package dialogue holds the character's speaking tools and the dialogue
// history reader. SpeakInPerson and SendTelegramMessage are inline tools:
// their output is the character's actual utterance, persisted as an
// assistant message and streamed to the client as token events.
package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

const (
	// NameSpeakInPerson is the face-to-face speaking tool.
	NameSpeakInPerson = "speak_in_person"
	// NameSendTelegram is the chat-message speaking tool.
	NameSendTelegram = "send_telegram_message"
	// NameHistory is the dialogue history reader.
	NameHistory = "dialogue_history"
)

// speakTool is the shared implementation behind both speaking modalities.
type speakTool struct {
	name        string
	description string
	messageType string
	category    reverie.MessageCategory
}

// SpeakInPerson returns the face-to-face speaking tool. Its argument is
// persisted as an assistant message with category SPEAK_IN_PERSON.
func SpeakInPerson() reverie.InlineTool {
	return &speakTool{
		name:        NameSpeakInPerson,
		description: "Say something to the user face to face. Use when you are physically present with them.",
		messageType: "speak_in_person",
		category:    reverie.CategorySpeakInPerson,
	}
}

// SendTelegram returns the chat-message speaking tool. Its argument is
// persisted as an assistant message with category TELEGRAM.
func SendTelegram() reverie.InlineTool {
	return &speakTool{
		name:        NameSendTelegram,
		description: "Send a chat message to the user's phone. Use when you are apart or texting fits the moment better.",
		messageType: "send_telegram_message",
		category:    reverie.CategoryTelegram,
	}
}

func (t *speakTool) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"content": {
					"type": "string",
					"description": "What to say, in the character's voice."
				}
			},
			"required": ["content"]
		}`),
	}
}

func (t *speakTool) MessageType() string { return t.messageType }

func (t *speakTool) Execute(ctx context.Context, args json.RawMessage, tc *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(in.Content) == "" {
		return reverie.ToolResult{Error: "empty content"}, nil
	}
	msg := reverie.Message{
		SessionID:  tc.SessionID,
		Role:       "assistant",
		Content:    in.Content,
		Speaker:    tc.CharacterID,
		Category:   t.category,
		VisibleFor: tc.VisibleFor,
	}
	if _, err := tc.Memory.AddMessage(ctx, msg); err != nil {
		return reverie.ToolResult{}, fmt.Errorf("persist utterance: %w", err)
	}
	return reverie.ToolResult{Content: in.Content}, nil
}

var _ reverie.InlineTool = (*speakTool)(nil)

// historyTool reads dialogue around a virtual point in time.
type historyTool struct{}

// History returns the dialogue history reader. It queries messages around
// a virtual time and reports whether more exist on either side.
func History() reverie.Tool { return historyTool{} }

func (historyTool) Definition() reverie.ToolDefinition {
	return reverie.ToolDefinition{
		Name:        NameHistory,
		Description: "Read past dialogue around a point in time. Omit time to read around now.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"time": {
					"type": "string",
					"description": "Center of the window, format 2006-01-02 15:04:05. Defaults to the current time."
				},
				"hours": {
					"type": "number",
					"description": "Half-width of the window in hours. Defaults to 12."
				},
				"limit": {
					"type": "integer",
					"description": "Maximum number of messages. Defaults to 30."
				}
			}
		}`),
	}
}

func (historyTool) Execute(ctx context.Context, args json.RawMessage, tc *reverie.ToolContext) (reverie.ToolResult, error) {
	var in struct {
		Time  string  `json:"time"`
		Hours float64 `json:"hours"`
		Limit int     `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return reverie.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if in.Hours <= 0 {
		in.Hours = 12
	}
	if in.Limit <= 0 {
		in.Limit = 30
	}

	var center time.Time
	if in.Time != "" {
		t, err := time.Parse(reverie.TimeLayout, in.Time)
		if err != nil {
			return reverie.ToolResult{Error: fmt.Sprintf("invalid time %q, expected format %s", in.Time, reverie.TimeLayout)}, nil
		}
		center = t
	} else {
		now, err := tc.Memory.Now(ctx, tc.SessionID)
		if err != nil {
			return reverie.ToolResult{}, err
		}
		center = now
	}

	msgs, meta, err := tc.Memory.GetMessagesAroundTime(ctx, tc.SessionID, center,
		time.Duration(in.Hours*float64(time.Hour)), in.Limit,
		reverie.MessageFilter{
			Categories:  reverie.DialogueCategories,
			CharacterID: tc.CharacterID,
		})
	if err != nil {
		return reverie.ToolResult{}, fmt.Errorf("read history: %w", err)
	}
	if len(msgs) == 0 {
		return reverie.ToolResult{Content: "No dialogue found in that window."}, nil
	}

	var b strings.Builder
	for _, m := range msgs {
		speaker := m.Speaker
		if speaker == "" {
			speaker = m.Role
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format(reverie.TimeLayout), speaker, m.Content)
	}
	if meta.HasMoreBefore {
		b.WriteString("(earlier dialogue exists before this window)\n")
	}
	if meta.HasMoreAfter {
		b.WriteString("(later dialogue exists after this window)\n")
	}
	return reverie.ToolResult{Content: b.String()}, nil
}
