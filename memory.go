package reverie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DefaultMessageCap is the per-session message ceiling enforced on append.
const DefaultMessageCap = 5000

const mirrorAttempts = 2

// Memory is the facade agents and tools talk to. It owns the rules the raw
// Store does not: session auto-creation with clock timestamps, the message
// cap, best-effort mirror sync, and relation encoding in the KV space.
type Memory struct {
	store  Store
	idx    Indexer
	clock  *Clock
	logger *slog.Logger

	messageCap    int
	mirrorTimeout time.Duration
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the facade's logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMessageCap overrides the per-session message ceiling. Zero disables
// the cap.
func WithMessageCap(n int) MemoryOption {
	return func(m *Memory) { m.messageCap = n }
}

// WithMirrorTimeout bounds each mirror sync attempt.
func WithMirrorTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.mirrorTimeout = d
		}
	}
}

// NewMemory creates a Memory over store and clock. idx may be nil; keyword
// queries then use the SQL fallback.
func NewMemory(store Store, idx Indexer, clock *Clock, opts ...MemoryOption) *Memory {
	m := &Memory{
		store:         store,
		idx:           idx,
		clock:         clock,
		logger:        nopLogger,
		messageCap:    DefaultMessageCap,
		mirrorTimeout: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Clock exposes the session clock for callers that need raw time operations.
func (m *Memory) Clock() *Clock { return m.clock }

// Store exposes the underlying store.
func (m *Memory) Store() Store { return m.store }

// Now returns the session's current virtual time.
func (m *Memory) Now(ctx context.Context, sessionID string) (time.Time, error) {
	return m.clock.Now(ctx, sessionID)
}

// EnsureSession auto-creates the session at its clock's current virtual
// time.
func (m *Memory) EnsureSession(ctx context.Context, sessionID string) (Session, error) {
	now, err := m.clock.Now(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	return m.store.EnsureSession(ctx, sessionID, now)
}

// mirror runs fn against the index with bounded retries and a per-attempt
// timeout. Failures are logged and swallowed; the store stays authoritative.
func (m *Memory) mirror(ctx context.Context, op string, fn func(ctx context.Context) error) {
	if m.idx == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= mirrorAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.mirrorTimeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return
		}
	}
	m.logger.Warn("mirror sync failed", "op", op, "error", err)
}

// AddMessage appends a message, stamping id and virtual created_at when
// unset, enforcing the message cap, and syncing the mirror.
func (m *Memory) AddMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.SessionID == "" {
		return Message{}, &ErrInvalid{Op: "memory.add_message", Message: "empty session_id"}
	}
	if _, err := m.EnsureSession(ctx, msg.SessionID); err != nil {
		return Message{}, err
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		now, err := m.clock.Now(ctx, msg.SessionID)
		if err != nil {
			return Message{}, err
		}
		msg.CreatedAt = now
	}
	if msg.Category == "" {
		msg.Category = CategoryNormal
	}
	if _, err := m.store.AddMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("add message: %w", err)
	}
	if err := m.enforceCap(ctx, msg.SessionID); err != nil {
		m.logger.Warn("message cap enforcement failed", "session_id", msg.SessionID, "error", err)
	}
	m.mirror(ctx, "index message", func(ctx context.Context) error {
		return m.idx.IndexMessages(ctx, []Message{msg})
	})
	return msg, nil
}

func (m *Memory) enforceCap(ctx context.Context, sessionID string) error {
	if m.messageCap <= 0 {
		return nil
	}
	count, err := m.store.MessageCount(ctx, sessionID)
	if err != nil {
		return err
	}
	if count <= m.messageCap {
		return nil
	}
	removed, err := m.store.DeleteOldestMessages(ctx, sessionID, count-m.messageCap)
	if err != nil {
		return err
	}
	m.logger.Info("message cap enforced", "session_id", sessionID, "removed", len(removed))
	for _, id := range removed {
		id := id
		m.mirror(ctx, "delete message", func(ctx context.Context) error {
			return m.idx.DeleteMessage(ctx, id)
		})
	}
	return nil
}

// DeleteMessage removes a message from the store and mirror.
func (m *Memory) DeleteMessage(ctx context.Context, id string) error {
	if err := m.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	m.mirror(ctx, "delete message", func(ctx context.Context) error {
		return m.idx.DeleteMessage(ctx, id)
	})
	return nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (m *Memory) RecentMessages(ctx context.Context, sessionID string, limit int, f MessageFilter) ([]Message, error) {
	return m.store.RecentMessages(ctx, sessionID, limit, f)
}

// GetMessagesAroundTime returns up to limit messages nearest to t within
// t plus or minus halfRange, chronologically ordered, with pagination hints.
func (m *Memory) GetMessagesAroundTime(ctx context.Context, sessionID string, t time.Time, halfRange time.Duration, limit int, f MessageFilter) ([]Message, QueryMetadata, error) {
	return m.store.MessagesAroundTime(ctx, sessionID, t, halfRange, limit, f)
}

// GetMessagesInRange returns up to limit messages in [from, to] ascending.
func (m *Memory) GetMessagesInRange(ctx context.Context, sessionID string, from, to time.Time, limit int, f MessageFilter) ([]Message, QueryMetadata, error) {
	return m.store.MessagesInRange(ctx, sessionID, from, to, limit, f)
}

// GetMessagesByDate returns up to limit messages whose virtual created_at
// falls on the calendar day of date.
func (m *Memory) GetMessagesByDate(ctx context.Context, sessionID string, date time.Time, limit int, f MessageFilter) ([]Message, QueryMetadata, error) {
	from := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	to := from.Add(24*time.Hour - time.Second)
	return m.store.MessagesInRange(ctx, sessionID, from, to, limit, f)
}

// SearchMessagesByKeyword runs a keyword query against the mirror, one
// query per requested category with dedup by id, then sorts by created_at
// and applies (offset, limit) to the merged set. Falls back to SQL LIKE
// scans when the mirror is unavailable.
func (m *Memory) SearchMessagesByKeyword(ctx context.Context, sessionID, query string, limit, offset int, f MessageFilter) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	if m.idx == nil || !m.idx.Available(ctx) {
		return m.store.SearchMessagesLike(ctx, sessionID, query, limit, offset, f)
	}
	categories := f.Categories
	if len(categories) == 0 {
		categories = []MessageCategory{""}
	}
	seen := make(map[string]struct{})
	var merged []Message
	for _, cat := range categories {
		hits, err := m.idx.SearchMessages(ctx, MessageSearch{
			Query:       query,
			SessionID:   sessionID,
			Category:    cat,
			CharacterID: f.CharacterID,
			Limit:       limit + offset,
		})
		if err != nil {
			m.logger.Warn("mirror search failed, falling back to sql", "error", err)
			return m.store.SearchMessagesLike(ctx, sessionID, query, limit, offset, f)
		}
		for _, h := range hits {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			merged = append(merged, h)
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	if offset >= len(merged) {
		return nil, nil
	}
	merged = merged[offset:]
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// CountDialogueMessages counts messages from speaker in the given
// categories; DialogueCategories when categories is empty. Drives the
// reflection cadence.
func (m *Memory) CountDialogueMessages(ctx context.Context, sessionID, speaker string, categories []MessageCategory) (int, error) {
	if len(categories) == 0 {
		categories = DialogueCategories
	}
	return m.store.CountMessages(ctx, sessionID, speaker, categories)
}

// --- Periods (schedule / scenario / event) ---

// AddPeriod stores a period, stamping id, business id, and created_at when
// unset, and syncs the mirror.
func (m *Memory) AddPeriod(ctx context.Context, p Period) (Period, error) {
	if p.SessionID == "" {
		return Period{}, &ErrInvalid{Op: "memory.add_period", Message: "empty session_id"}
	}
	if p.StartAt.After(p.EndAt) {
		return Period{}, &ErrInvalid{Op: "memory.add_period", Message: "start_at after end_at"}
	}
	if _, err := m.EnsureSession(ctx, p.SessionID); err != nil {
		return Period{}, err
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.PeriodID == "" {
		p.PeriodID = NewID()
	}
	if p.CreatedAt.IsZero() {
		now, err := m.clock.Now(ctx, p.SessionID)
		if err != nil {
			return Period{}, err
		}
		p.CreatedAt = now
	}
	if _, err := m.store.AddPeriod(ctx, p); err != nil {
		return Period{}, fmt.Errorf("add period: %w", err)
	}
	m.mirror(ctx, "index period", func(ctx context.Context) error {
		return m.idx.IndexPeriods(ctx, []Period{p})
	})
	return p, nil
}

// UpdatePeriod replaces the period matched by (session, period_id, type).
func (m *Memory) UpdatePeriod(ctx context.Context, p Period) (bool, error) {
	if p.StartAt.After(p.EndAt) {
		return false, &ErrInvalid{Op: "memory.update_period", Message: "start_at after end_at"}
	}
	ok, err := m.store.UpdatePeriod(ctx, p)
	if err != nil || !ok {
		return ok, err
	}
	stored, err := m.store.GetPeriod(ctx, p.SessionID, p.PeriodID, p.PeriodType)
	if err == nil {
		m.mirror(ctx, "index period", func(ctx context.Context) error {
			return m.idx.IndexPeriods(ctx, []Period{stored})
		})
	}
	return true, nil
}

// DeletePeriod removes the period matched by (session, period_id, type).
func (m *Memory) DeletePeriod(ctx context.Context, sessionID, periodID string, pt PeriodType) (bool, error) {
	stored, getErr := m.store.GetPeriod(ctx, sessionID, periodID, pt)
	ok, err := m.store.DeletePeriod(ctx, sessionID, periodID, pt)
	if err != nil || !ok {
		return ok, err
	}
	if getErr == nil {
		m.mirror(ctx, "delete period", func(ctx context.Context) error {
			return m.idx.DeletePeriod(ctx, stored.ID)
		})
	}
	return true, nil
}

// GetPeriod looks a period up by business id.
func (m *Memory) GetPeriod(ctx context.Context, sessionID, periodID string, pt PeriodType) (Period, error) {
	return m.store.GetPeriod(ctx, sessionID, periodID, pt)
}

// ListPeriods returns all periods matching the filter.
func (m *Memory) ListPeriods(ctx context.Context, sessionID string, f PeriodFilter) ([]Period, error) {
	return m.store.ListPeriods(ctx, sessionID, f)
}

// FindPeriodsAt returns periods covering the instant t.
func (m *Memory) FindPeriodsAt(ctx context.Context, sessionID string, t time.Time, f PeriodFilter) ([]Period, error) {
	return m.store.PeriodsAt(ctx, sessionID, t, f)
}

// FindPeriodsInRange returns periods overlapping [a, b].
func (m *Memory) FindPeriodsInRange(ctx context.Context, sessionID string, a, b time.Time, f PeriodFilter) ([]Period, error) {
	return m.store.PeriodsOverlapping(ctx, sessionID, a, b, f)
}

// FindPeriodsByDate returns periods overlapping the calendar day of date.
func (m *Memory) FindPeriodsByDate(ctx context.Context, sessionID string, date time.Time, f PeriodFilter) ([]Period, error) {
	from := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	to := from.Add(24*time.Hour - time.Second)
	return m.store.PeriodsOverlapping(ctx, sessionID, from, to, f)
}

// --- Relations ---

// SetRelation upserts a relation under key "relation:"+relation_id.
func (m *Memory) SetRelation(ctx context.Context, sessionID string, r Relation, characterID string) (Relation, error) {
	if r.RelationID == "" {
		r.RelationID = NewID()
	}
	if _, err := m.EnsureSession(ctx, sessionID); err != nil {
		return Relation{}, err
	}
	now, err := m.clock.Now(ctx, sessionID)
	if err != nil {
		return Relation{}, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	meta, err := json.Marshal(r)
	if err != nil {
		return Relation{}, fmt.Errorf("encode relation: %w", err)
	}
	entry := KVEntry{
		SessionID:   sessionID,
		Key:         RelationKeyPrefix + r.RelationID,
		KeyType:     KeyTypeRelation,
		Metadata:    string(meta),
		CharacterID: characterID,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   now,
	}
	id, err := m.store.PutKV(ctx, entry)
	if err != nil {
		return Relation{}, fmt.Errorf("put relation: %w", err)
	}
	entry.ID = id
	m.mirror(ctx, "index kv", func(ctx context.Context) error {
		return m.idx.IndexKV(ctx, []KVEntry{entry})
	})
	return r, nil
}

// GetRelation returns the relation stored under relation_id.
func (m *Memory) GetRelation(ctx context.Context, sessionID, relationID, characterID string) (Relation, error) {
	entry, err := m.store.GetKV(ctx, sessionID, RelationKeyPrefix+relationID, characterID)
	if err != nil {
		return Relation{}, err
	}
	return decodeRelation(entry)
}

// DeleteRelation removes a relation entry from the store and mirror.
func (m *Memory) DeleteRelation(ctx context.Context, sessionID, relationID, characterID string) (bool, error) {
	key := RelationKeyPrefix + relationID
	entry, getErr := m.store.GetKV(ctx, sessionID, key, characterID)
	ok, err := m.store.DeleteKV(ctx, sessionID, key, characterID)
	if err != nil || !ok {
		return ok, err
	}
	if getErr == nil {
		m.mirror(ctx, "delete kv", func(ctx context.Context) error {
			return m.idx.DeleteKV(ctx, entry.ID)
		})
	}
	return true, nil
}

// ListRelations returns all relations for a session, optionally scoped to
// one character.
func (m *Memory) ListRelations(ctx context.Context, sessionID, characterID string) ([]Relation, error) {
	entries, err := m.store.ListKV(ctx, sessionID, KeyTypeRelation, characterID)
	if err != nil {
		return nil, err
	}
	relations := make([]Relation, 0, len(entries))
	for _, e := range entries {
		r, err := decodeRelation(e)
		if err != nil {
			m.logger.Warn("skipping undecodable relation", "key", e.Key, "error", err)
			continue
		}
		relations = append(relations, r)
	}
	return relations, nil
}

// SearchRelations runs a keyword query over relation entries, falling back
// to SQL LIKE when the mirror is unavailable.
func (m *Memory) SearchRelations(ctx context.Context, sessionID, query string, limit int, characterID string) ([]Relation, error) {
	if limit <= 0 {
		limit = 20
	}
	var entries []KVEntry
	var err error
	if m.idx != nil && m.idx.Available(ctx) {
		entries, err = m.idx.SearchKV(ctx, KVSearch{
			Query:       query,
			SessionID:   sessionID,
			KeyType:     KeyTypeRelation,
			CharacterID: characterID,
			Limit:       limit,
		})
		if err != nil {
			m.logger.Warn("mirror kv search failed, falling back to sql", "error", err)
			entries = nil
		}
	}
	if entries == nil {
		entries, err = m.store.SearchKVLike(ctx, sessionID, KeyTypeRelation, query, limit)
		if err != nil {
			return nil, err
		}
	}
	relations := make([]Relation, 0, len(entries))
	for _, e := range entries {
		r, err := decodeRelation(e)
		if err != nil {
			continue
		}
		relations = append(relations, r)
	}
	return relations, nil
}

func decodeRelation(e KVEntry) (Relation, error) {
	var r Relation
	if err := json.Unmarshal([]byte(e.Metadata), &r); err != nil {
		return Relation{}, fmt.Errorf("decode relation %q: %w", e.Key, err)
	}
	return r, nil
}

// --- Frontend display log ---

// AddFrontendMessage records what the UI rendered, stamped with virtual
// time.
func (m *Memory) AddFrontendMessage(ctx context.Context, msg FrontendMessage) (FrontendMessage, error) {
	if msg.SessionID == "" {
		return FrontendMessage{}, &ErrInvalid{Op: "memory.add_frontend_message", Message: "empty session_id"}
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.CreatedAt.IsZero() {
		now, err := m.clock.Now(ctx, msg.SessionID)
		if err != nil {
			return FrontendMessage{}, err
		}
		msg.CreatedAt = now
	}
	if _, err := m.store.AddFrontendMessage(ctx, msg); err != nil {
		return FrontendMessage{}, fmt.Errorf("add frontend message: %w", err)
	}
	return msg, nil
}

// ListFrontendMessages returns a page of the frontend display log.
func (m *Memory) ListFrontendMessages(ctx context.Context, sessionID string, limit, offset int) ([]FrontendMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.ListFrontendMessages(ctx, sessionID, limit, offset)
}
