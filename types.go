package reverie

import (
	"encoding/json"
	"time"
)

// --- Domain types (database records) ---

// Session owns all messages, periods, relations, and clock state for one
// conversation. Sessions are auto-created on first write.
type Session struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`      // virtual
	UpdatedAt     time.Time `json:"updated_at"`      // virtual
	RealUpdatedAt time.Time `json:"real_updated_at"` // wall clock
}

// MessageCategory classifies a message by modality.
type MessageCategory string

const (
	CategoryNormal            MessageCategory = "NORMAL"
	CategoryTelegram          MessageCategory = "TELEGRAM"
	CategorySpeakInPerson     MessageCategory = "SPEAK_IN_PERSON"
	CategoryThought           MessageCategory = "THOUGHT"
	CategorySystemInstruction MessageCategory = "SYSTEM_INSTRUCTION"
)

// DialogueCategories are the categories that count as spoken dialogue turns.
var DialogueCategories = []MessageCategory{CategoryTelegram, CategorySpeakInPerson}

// Message is one persisted conversation row. CreatedAt is virtual time.
// An empty VisibleFor set means the message is visible to all characters;
// a non-empty set restricts visibility to exactly the listed character ids.
type Message struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Speaker    string          `json:"speaker,omitempty"`
	Category   MessageCategory `json:"category"`
	VisibleFor []string        `json:"visible_for_characters,omitempty"`
	CreatedAt  time.Time       `json:"created_at"` // virtual
}

// PeriodType distinguishes the three uses of the unified period record.
type PeriodType string

const (
	PeriodScenario PeriodType = "scenario"
	PeriodSchedule PeriodType = "schedule"
	PeriodEvent    PeriodType = "event"
)

// Period is the unified scenario/schedule/event record. PeriodID is the
// business identifier (unique per type); ID is the storage primary key.
// Invariant: StartAt <= EndAt. A period covers T iff StartAt <= T <= EndAt.
type Period struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	PeriodID    string     `json:"period_id"`
	PeriodType  PeriodType `json:"period_type"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	StartAt     time.Time  `json:"start_at"`
	EndAt       time.Time  `json:"end_at"`
	CharacterID string     `json:"character_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"` // virtual
}

// Covers reports whether the period covers the instant t.
func (p Period) Covers(t time.Time) bool {
	return !p.StartAt.After(t) && !p.EndAt.Before(t)
}

// Overlaps reports whether the period overlaps the closed range [a, b].
func (p Period) Overlaps(a, b time.Time) bool {
	return !p.StartAt.After(b) && !p.EndAt.Before(a)
}

// Relation is a named relationship the character tracks about someone.
// Stored in the typed KV space under key "relation:"+RelationID.
type Relation struct {
	RelationID string    `json:"relation_id"`
	Name       string    `json:"name"`
	Knowledge  string    `json:"knowledge"`
	Progress   string    `json:"progress"`
	CreatedAt  time.Time `json:"created_at"`
}

// KVEntry is a row in the typed key-value space. Relations serialize their
// body into Metadata. Uniqueness: (session_id, key, character_id-or-empty).
type KVEntry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Key         string    `json:"key"`
	KeyType     string    `json:"key_type"`
	Metadata    string    `json:"metadata"`
	CharacterID string    `json:"character_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// KeyTypeRelation is the KeyType used for relation entries.
const KeyTypeRelation = "relation"

// RelationKeyPrefix prefixes every relation entry's KV key.
const RelationKeyPrefix = "relation:"

// FrontendMessage is one row of the frontend display log: what the UI
// actually rendered, independent of the LLM transcript.
type FrontendMessage struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"` // virtual
}

// Character is a persona record from the settings database.
type Character struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ModelInfo is an LLM endpoint record from the settings database.
// APIKey is stored enveloped; see internal/secret.
type ModelInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"api_key,omitempty"`
	APIType   string    `json:"api_type,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --- LLM protocol types ---

// ChatMessage is a single message in the provider wire format.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one requested tool invocation on an assistant message.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolChoice constrains whether the provider may, must, or must not call tools.
type ToolChoice string

const (
	ToolChoiceNone     ToolChoice = "none"
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// ChatRequest is the provider-independent request shape.
type ChatRequest struct {
	Messages   []ChatMessage    `json:"messages"`
	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice ToolChoice       `json:"tool_choice,omitempty"`
}

// ChatResponse is the provider-independent response shape.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage tracks token consumption per call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolDefinition describes a callable tool for provider transport.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// --- Input modes ---

// InputMode is how the user's input arrived; it maps to a message category
// for persistence and to routing decisions in flows.
type InputMode string

const (
	InputPhone      InputMode = "phone"
	InputInPerson   InputMode = "in_person"
	InputInnerVoice InputMode = "inner_voice"
	InputCommand    InputMode = "command"
	InputSkip       InputMode = "skip"
)

// Category returns the message category a given input mode persists as.
func (m InputMode) Category() MessageCategory {
	switch m {
	case InputPhone:
		return CategoryTelegram
	case InputInPerson:
		return CategorySpeakInPerson
	case InputInnerVoice:
		return CategoryThought
	case InputCommand:
		return CategorySystemInstruction
	default:
		return CategoryNormal
	}
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// ChatView converts a persisted Message into the provider wire shape.
func (m Message) ChatView() ChatMessage {
	return ChatMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.ToolName,
	}
}
