// Package meili implements the reverie.Indexer search mirror on a
// Meilisearch instance. The SQLite store stays authoritative; documents
// here are denormalized copies kept in sync best-effort by the memory
// layer.
package meili

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/meilisearch/meilisearch-go"

	"github.com/nevindra/reverie"
)

const (
	indexMessages = "messages"
	indexPeriods  = "periods"
	indexKV       = "kv_entries"

	taskPollInterval = 50 * time.Millisecond
)

// Indexer talks to one Meilisearch instance.
type Indexer struct {
	client meilisearch.ServiceManager
	logger *slog.Logger
}

var _ reverie.Indexer = (*Indexer)(nil)

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Indexer) { ix.logger = l }
}

// New connects to the Meilisearch instance at addr. The connection is
// lazy; use Available to probe health.
func New(addr, apiKey string, opts ...Option) *Indexer {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	ix := &Indexer{
		client: meilisearch.New(addr, meilisearch.WithAPIKey(apiKey)),
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Available reports whether the instance answers health checks.
func (ix *Indexer) Available(ctx context.Context) bool {
	_, err := ix.client.HealthWithContext(ctx)
	return err == nil
}

// indexSpecs enumerates the three indices and their attribute sets.
// Filterable and sortable attributes must cover every predicate the
// search methods and callers build, so the sets stay wide: narrowing one
// turns the corresponding filter into a request error on the instance.
var indexSpecs = []struct {
	uid      string
	settings meilisearch.Settings
}{
	{indexMessages, meilisearch.Settings{
		SearchableAttributes: []string{"content", "role", "session_id", "tool_name", "speaker"},
		FilterableAttributes: []string{"session_id", "role", "category", "created_at", "tool_name", "speaker", "character_ids"},
		SortableAttributes:   []string{"created_at", "id"},
	}},
	{indexPeriods, meilisearch.Settings{
		SearchableAttributes: []string{"content", "title"},
		FilterableAttributes: []string{"session_id", "period_id", "period_type", "character_id"},
		SortableAttributes:   []string{"start_at", "end_at", "created_at"},
	}},
	{indexKV, meilisearch.Settings{
		SearchableAttributes: []string{"key", "metadata"},
		FilterableAttributes: []string{"session_id", "key", "key_type", "character_id"},
		SortableAttributes:   []string{"created_at", "updated_at"},
	}},
}

// Reset drops and recreates all three indices with their settings. Waits
// for the settings tasks so a following bulk reindex lands on configured
// indices.
func (ix *Indexer) Reset(ctx context.Context) error {
	for _, spec := range indexSpecs {
		if task, err := ix.client.DeleteIndexWithContext(ctx, spec.uid); err == nil {
			_, _ = ix.client.WaitForTaskWithContext(ctx, task.TaskUID, taskPollInterval)
		}
		task, err := ix.client.CreateIndexWithContext(ctx, &meilisearch.IndexConfig{
			Uid:        spec.uid,
			PrimaryKey: "id",
		})
		if err != nil {
			return fmt.Errorf("create index %s: %w", spec.uid, err)
		}
		if _, err := ix.client.WaitForTaskWithContext(ctx, task.TaskUID, taskPollInterval); err != nil {
			return fmt.Errorf("create index %s: %w", spec.uid, err)
		}
		setTask, err := ix.client.Index(spec.uid).UpdateSettingsWithContext(ctx, &spec.settings)
		if err != nil {
			return fmt.Errorf("configure index %s: %w", spec.uid, err)
		}
		if _, err := ix.client.WaitForTaskWithContext(ctx, setTask.TaskUID, taskPollInterval); err != nil {
			return fmt.Errorf("configure index %s: %w", spec.uid, err)
		}
	}
	ix.logger.Info("meili: indices reset")
	return nil
}

// --- documents ---

type messageDoc struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"session_id"`
	Role         string   `json:"role"`
	Content      string   `json:"content"`
	ToolName     string   `json:"tool_name"`
	Speaker      string   `json:"speaker"`
	Category     string   `json:"category"`
	CharacterIDs []string `json:"character_ids"`
	CreatedAt    int64    `json:"created_at"`
}

func toMessageDoc(m reverie.Message) messageDoc {
	return messageDoc{
		ID:           m.ID,
		SessionID:    m.SessionID,
		Role:         m.Role,
		Content:      m.Content,
		ToolName:     m.ToolName,
		Speaker:      m.Speaker,
		Category:     string(m.Category),
		CharacterIDs: m.VisibleFor,
		CreatedAt:    m.CreatedAt.UnixNano(),
	}
}

func (d messageDoc) message() reverie.Message {
	return reverie.Message{
		ID:         d.ID,
		SessionID:  d.SessionID,
		Role:       d.Role,
		Content:    d.Content,
		ToolName:   d.ToolName,
		Speaker:    d.Speaker,
		Category:   reverie.MessageCategory(d.Category),
		VisibleFor: d.CharacterIDs,
		CreatedAt:  time.Unix(0, d.CreatedAt).UTC(),
	}
}

type periodDoc struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	PeriodID    string `json:"period_id"`
	PeriodType  string `json:"period_type"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	CharacterID string `json:"character_id"`
	StartAt     int64  `json:"start_at"`
	EndAt       int64  `json:"end_at"`
	CreatedAt   int64  `json:"created_at"`
}

func toPeriodDoc(p reverie.Period) periodDoc {
	return periodDoc{
		ID:          p.ID,
		SessionID:   p.SessionID,
		PeriodID:    p.PeriodID,
		PeriodType:  string(p.PeriodType),
		Title:       p.Title,
		Content:     p.Content,
		CharacterID: p.CharacterID,
		StartAt:     p.StartAt.UnixNano(),
		EndAt:       p.EndAt.UnixNano(),
		CreatedAt:   p.CreatedAt.UnixNano(),
	}
}

func (d periodDoc) period() reverie.Period {
	return reverie.Period{
		ID:          d.ID,
		SessionID:   d.SessionID,
		PeriodID:    d.PeriodID,
		PeriodType:  reverie.PeriodType(d.PeriodType),
		Title:       d.Title,
		Content:     d.Content,
		CharacterID: d.CharacterID,
		StartAt:     time.Unix(0, d.StartAt).UTC(),
		EndAt:       time.Unix(0, d.EndAt).UTC(),
		CreatedAt:   time.Unix(0, d.CreatedAt).UTC(),
	}
}

type kvDoc struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	Key         string `json:"key"`
	KeyType     string `json:"key_type"`
	Metadata    string `json:"metadata"`
	CharacterID string `json:"character_id"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

func toKVDoc(e reverie.KVEntry) kvDoc {
	return kvDoc{
		ID:          e.ID,
		SessionID:   e.SessionID,
		Key:         e.Key,
		KeyType:     e.KeyType,
		Metadata:    e.Metadata,
		CharacterID: e.CharacterID,
		CreatedAt:   e.CreatedAt.UnixNano(),
		UpdatedAt:   e.UpdatedAt.UnixNano(),
	}
}

func (d kvDoc) entry() reverie.KVEntry {
	return reverie.KVEntry{
		ID:          d.ID,
		SessionID:   d.SessionID,
		Key:         d.Key,
		KeyType:     d.KeyType,
		Metadata:    d.Metadata,
		CharacterID: d.CharacterID,
		CreatedAt:   time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, d.UpdatedAt).UTC(),
	}
}

// --- indexing ---

// IndexMessages upserts message documents.
func (ix *Indexer) IndexMessages(ctx context.Context, msgs []reverie.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	docs := make([]messageDoc, len(msgs))
	for i, m := range msgs {
		docs[i] = toMessageDoc(m)
	}
	_, err := ix.client.Index(indexMessages).AddDocumentsWithContext(ctx, docs)
	if err != nil {
		return fmt.Errorf("index messages: %w", err)
	}
	return nil
}

// DeleteMessage removes one message document.
func (ix *Indexer) DeleteMessage(ctx context.Context, id string) error {
	_, err := ix.client.Index(indexMessages).DeleteDocumentWithContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete message doc: %w", err)
	}
	return nil
}

// IndexPeriods upserts period documents.
func (ix *Indexer) IndexPeriods(ctx context.Context, periods []reverie.Period) error {
	if len(periods) == 0 {
		return nil
	}
	docs := make([]periodDoc, len(periods))
	for i, p := range periods {
		docs[i] = toPeriodDoc(p)
	}
	_, err := ix.client.Index(indexPeriods).AddDocumentsWithContext(ctx, docs)
	if err != nil {
		return fmt.Errorf("index periods: %w", err)
	}
	return nil
}

// DeletePeriod removes one period document.
func (ix *Indexer) DeletePeriod(ctx context.Context, id string) error {
	_, err := ix.client.Index(indexPeriods).DeleteDocumentWithContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete period doc: %w", err)
	}
	return nil
}

// IndexKV upserts kv documents.
func (ix *Indexer) IndexKV(ctx context.Context, entries []reverie.KVEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]kvDoc, len(entries))
	for i, e := range entries {
		docs[i] = toKVDoc(e)
	}
	_, err := ix.client.Index(indexKV).AddDocumentsWithContext(ctx, docs)
	if err != nil {
		return fmt.Errorf("index kv: %w", err)
	}
	return nil
}

// DeleteKV removes one kv document.
func (ix *Indexer) DeleteKV(ctx context.Context, id string) error {
	_, err := ix.client.Index(indexKV).DeleteDocumentWithContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete kv doc: %w", err)
	}
	return nil
}

// --- search ---

// escapeFilterValue quotes a value for a Meilisearch filter expression.
func escapeFilterValue(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// SearchMessages runs a keyword query against the message index.
// Visibility scoping: a document matches when its character_ids set is
// empty or names the requested character.
func (ix *Indexer) SearchMessages(ctx context.Context, q reverie.MessageSearch) ([]reverie.Message, error) {
	filters := []string{"session_id = " + escapeFilterValue(q.SessionID)}
	if q.Category != "" {
		filters = append(filters, "category = "+escapeFilterValue(string(q.Category)))
	}
	if q.Speaker != "" {
		filters = append(filters, "speaker = "+escapeFilterValue(q.Speaker))
	}
	if q.CharacterID != "" {
		filters = append(filters,
			"(character_ids IS EMPTY OR character_ids = "+escapeFilterValue(q.CharacterID)+")")
	}
	req := &meilisearch.SearchRequest{
		Filter: strings.Join(filters, " AND "),
		Limit:  int64(q.Limit),
		Offset: int64(q.Offset),
	}
	if q.SortByTimeDesc {
		req.Sort = []string{"created_at:desc"}
	}
	resp, err := ix.client.Index(indexMessages).SearchWithContext(ctx, q.Query, req)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	var out []reverie.Message
	for _, hit := range resp.Hits {
		var doc messageDoc
		if err := decodeHit(hit, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc.message())
	}
	return out, nil
}

// SearchPeriods runs a keyword query against the period index.
func (ix *Indexer) SearchPeriods(ctx context.Context, q reverie.PeriodSearch) ([]reverie.Period, error) {
	filters := []string{"session_id = " + escapeFilterValue(q.SessionID)}
	if q.PeriodType != "" {
		filters = append(filters, "period_type = "+escapeFilterValue(string(q.PeriodType)))
	}
	if q.CharacterID != "" {
		filters = append(filters,
			"(character_id = \"\" OR character_id = "+escapeFilterValue(q.CharacterID)+")")
	}
	resp, err := ix.client.Index(indexPeriods).SearchWithContext(ctx, q.Query, &meilisearch.SearchRequest{
		Filter: strings.Join(filters, " AND "),
		Limit:  int64(q.Limit),
		Offset: int64(q.Offset),
	})
	if err != nil {
		return nil, fmt.Errorf("search periods: %w", err)
	}
	var out []reverie.Period
	for _, hit := range resp.Hits {
		var doc periodDoc
		if err := decodeHit(hit, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc.period())
	}
	return out, nil
}

// SearchKV runs a keyword query against the kv index.
func (ix *Indexer) SearchKV(ctx context.Context, q reverie.KVSearch) ([]reverie.KVEntry, error) {
	filters := []string{"session_id = " + escapeFilterValue(q.SessionID)}
	if q.KeyType != "" {
		filters = append(filters, "key_type = "+escapeFilterValue(q.KeyType))
	}
	if q.CharacterID != "" {
		filters = append(filters,
			"(character_id = \"\" OR character_id = "+escapeFilterValue(q.CharacterID)+")")
	}
	resp, err := ix.client.Index(indexKV).SearchWithContext(ctx, q.Query, &meilisearch.SearchRequest{
		Filter: strings.Join(filters, " AND "),
		Limit:  int64(q.Limit),
		Offset: int64(q.Offset),
	})
	if err != nil {
		return nil, fmt.Errorf("search kv: %w", err)
	}
	var out []reverie.KVEntry
	for _, hit := range resp.Hits {
		var doc kvDoc
		if err := decodeHit(hit, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc.entry())
	}
	return out, nil
}

// decodeHit round-trips a raw hit through JSON into a typed document.
func decodeHit(hit any, out any) error {
	data, err := json.Marshal(hit)
	if err != nil {
		return fmt.Errorf("marshal hit: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode hit: %w", err)
	}
	return nil
}
