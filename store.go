package reverie

import (
	"context"
	"time"
)

// QueryMetadata annotates a windowed message query with pagination hints.
// HasMoreBefore/HasMoreAfter tell the caller whether rows exist outside the
// returned window; agents use them to decide whether to paginate or
// summarize. TimePoint echoes the query's anchor time in wire format.
type QueryMetadata struct {
	HasMoreBefore bool   `json:"has_more_before"`
	HasMoreAfter  bool   `json:"has_more_after"`
	TimePoint     string `json:"time_point,omitempty"`
}

// MessageFilter narrows message queries. An empty Categories slice means all
// categories; an empty CharacterID means no visibility scoping. When
// CharacterID is set, a message matches if it has no visibility rows
// (visible to all) or a row naming that character.
type MessageFilter struct {
	Categories  []MessageCategory
	CharacterID string
}

// PeriodFilter narrows period queries.
type PeriodFilter struct {
	PeriodType  PeriodType
	CharacterID string
}

// Store is the persistence layer over the working database. Implementations
// retry transient lock contention with capped backoff and never retry
// logical errors. Every mutation bumps the owning session's virtual
// updated_at. Implemented by store/sqlite.
type Store interface {
	ClockStore

	// EnsureSession returns the session, creating it at virtualNow when it
	// does not exist yet.
	EnsureSession(ctx context.Context, id string, virtualNow time.Time) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	RenameSession(ctx context.Context, id, name string) error
	DeleteSession(ctx context.Context, id string) error

	// AddMessage appends a message row; visibility rows are written in the
	// same transaction. Returns the assigned message id.
	AddMessage(ctx context.Context, m Message) (string, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// MessageCount returns the number of messages in a session across all
	// categories.
	MessageCount(ctx context.Context, sessionID string) (int, error)
	// DeleteOldestMessages removes the n oldest messages of a session.
	DeleteOldestMessages(ctx context.Context, sessionID string, n int) ([]string, error)
	// RecentMessages returns the newest limit messages of a session in
	// chronological order.
	RecentMessages(ctx context.Context, sessionID string, limit int, f MessageFilter) ([]Message, error)
	// MessagesAroundTime returns up to limit messages nearest to t within
	// [t-halfRange, t+halfRange], sorted ascending by created_at. Each side
	// is probed with limit+1 rows so the metadata can report whether more
	// rows exist beyond what was kept.
	MessagesAroundTime(ctx context.Context, sessionID string, t time.Time, halfRange time.Duration, limit int, f MessageFilter) ([]Message, QueryMetadata, error)
	// MessagesInRange returns up to limit messages with created_at in
	// [from, to], ascending. The limit+1 probe drives HasMoreAfter.
	MessagesInRange(ctx context.Context, sessionID string, from, to time.Time, limit int, f MessageFilter) ([]Message, QueryMetadata, error)
	// SearchMessagesLike is the SQL fallback for keyword search when the
	// mirror is unavailable.
	SearchMessagesLike(ctx context.Context, sessionID, query string, limit, offset int, f MessageFilter) ([]Message, error)
	// CountMessages counts rows matching speaker and the category set.
	CountMessages(ctx context.Context, sessionID, speaker string, categories []MessageCategory) (int, error)
	// MessagePage returns one chunk of all message rows for bulk reindex.
	MessagePage(ctx context.Context, offset, limit int) ([]Message, error)

	AddPeriod(ctx context.Context, p Period) (string, error)
	// GetPeriod looks a period up by its business id within a type.
	GetPeriod(ctx context.Context, sessionID, periodID string, pt PeriodType) (Period, error)
	// UpdatePeriod replaces the stored row matched by (session, period_id,
	// type). Returns false when no row matched.
	UpdatePeriod(ctx context.Context, p Period) (bool, error)
	DeletePeriod(ctx context.Context, sessionID, periodID string, pt PeriodType) (bool, error)
	ListPeriods(ctx context.Context, sessionID string, f PeriodFilter) ([]Period, error)
	// PeriodsAt returns periods covering the instant t.
	PeriodsAt(ctx context.Context, sessionID string, t time.Time, f PeriodFilter) ([]Period, error)
	// PeriodsOverlapping returns periods overlapping the closed range [a, b].
	PeriodsOverlapping(ctx context.Context, sessionID string, a, b time.Time, f PeriodFilter) ([]Period, error)
	PeriodPage(ctx context.Context, offset, limit int) ([]Period, error)

	// PutKV inserts or updates an entry keyed by
	// (session_id, key, character_id-or-empty). Returns the row id.
	PutKV(ctx context.Context, e KVEntry) (string, error)
	GetKV(ctx context.Context, sessionID, key, characterID string) (KVEntry, error)
	DeleteKV(ctx context.Context, sessionID, key, characterID string) (bool, error)
	ListKV(ctx context.Context, sessionID, keyType, characterID string) ([]KVEntry, error)
	// SearchKVLike is the SQL fallback for KV keyword search.
	SearchKVLike(ctx context.Context, sessionID, keyType, query string, limit int) ([]KVEntry, error)
	KVPage(ctx context.Context, offset, limit int) ([]KVEntry, error)

	AddFrontendMessage(ctx context.Context, m FrontendMessage) (string, error)
	ListFrontendMessages(ctx context.Context, sessionID string, limit, offset int) ([]FrontendMessage, error)
	DeleteFrontendMessages(ctx context.Context, sessionID string) error

	Close() error
}

// SettingsStore persists characters and model endpoints in the settings
// database, which survives archive swaps of the working database. Model API
// keys are stored enveloped; see internal/secret.
type SettingsStore interface {
	CreateCharacter(ctx context.Context, c Character) (string, error)
	GetCharacter(ctx context.Context, id string) (Character, error)
	ListCharacters(ctx context.Context) ([]Character, error)
	UpdateCharacter(ctx context.Context, c Character) (bool, error)
	DeleteCharacter(ctx context.Context, id string) (bool, error)

	CreateModel(ctx context.Context, m ModelInfo) (string, error)
	GetModel(ctx context.Context, id string) (ModelInfo, error)
	// GetModelByName resolves a model record by its configured name.
	GetModelByName(ctx context.Context, name string) (ModelInfo, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	UpdateModel(ctx context.Context, m ModelInfo) (bool, error)
	DeleteModel(ctx context.Context, id string) (bool, error)

	Close() error
}
