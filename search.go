package reverie

import (
	"context"
	"fmt"
	"log/slog"
)

// MessageSearch is a keyword query against the message index.
type MessageSearch struct {
	Query       string
	SessionID   string
	Category    MessageCategory
	Speaker     string
	CharacterID string
	Limit       int
	Offset      int
	// SortByTimeDesc sorts hits by created_at descending instead of
	// relevance.
	SortByTimeDesc bool
}

// PeriodSearch is a keyword query against the period index.
type PeriodSearch struct {
	Query       string
	SessionID   string
	PeriodType  PeriodType
	CharacterID string
	Limit       int
	Offset      int
}

// KVSearch is a keyword query against the kv index.
type KVSearch struct {
	Query       string
	SessionID   string
	KeyType     string
	CharacterID string
	Limit       int
	Offset      int
}

// Indexer is the full-text search mirror. The store remains authoritative;
// indexing is best-effort and callers log failures rather than propagate
// them. Implemented by search/meili.
type Indexer interface {
	// Available reports whether the mirror answers health checks. Memory
	// keyword queries fall back to SQL scans when it does not.
	Available(ctx context.Context) bool

	IndexMessages(ctx context.Context, msgs []Message) error
	DeleteMessage(ctx context.Context, id string) error
	IndexPeriods(ctx context.Context, periods []Period) error
	DeletePeriod(ctx context.Context, id string) error
	IndexKV(ctx context.Context, entries []KVEntry) error
	DeleteKV(ctx context.Context, id string) error

	SearchMessages(ctx context.Context, q MessageSearch) ([]Message, error)
	SearchPeriods(ctx context.Context, q PeriodSearch) ([]Period, error)
	SearchKV(ctx context.Context, q KVSearch) ([]KVEntry, error)

	// Reset drops and recreates all three indices with their settings.
	Reset(ctx context.Context) error
}

// ReindexChunkSize is the page size used by Reindex.
const ReindexChunkSize = 500

// Reindex rebuilds the mirror from the store: reset, then page through
// messages, periods, and kv entries in fixed-size chunks. Used after an
// archive load replaces the working database.
func Reindex(ctx context.Context, store Store, idx Indexer, logger *slog.Logger) error {
	if logger == nil {
		logger = nopLogger
	}
	if err := idx.Reset(ctx); err != nil {
		return fmt.Errorf("reset indices: %w", err)
	}
	var total int
	for offset := 0; ; offset += ReindexChunkSize {
		msgs, err := store.MessagePage(ctx, offset, ReindexChunkSize)
		if err != nil {
			return fmt.Errorf("page messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		if err := idx.IndexMessages(ctx, msgs); err != nil {
			return fmt.Errorf("index messages: %w", err)
		}
		total += len(msgs)
	}
	logger.Info("reindexed messages", "count", total)
	total = 0
	for offset := 0; ; offset += ReindexChunkSize {
		periods, err := store.PeriodPage(ctx, offset, ReindexChunkSize)
		if err != nil {
			return fmt.Errorf("page periods: %w", err)
		}
		if len(periods) == 0 {
			break
		}
		if err := idx.IndexPeriods(ctx, periods); err != nil {
			return fmt.Errorf("index periods: %w", err)
		}
		total += len(periods)
	}
	logger.Info("reindexed periods", "count", total)
	total = 0
	for offset := 0; ; offset += ReindexChunkSize {
		entries, err := store.KVPage(ctx, offset, ReindexChunkSize)
		if err != nil {
			return fmt.Errorf("page kv: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		if err := idx.IndexKV(ctx, entries); err != nil {
			return fmt.Errorf("index kv: %w", err)
		}
		total += len(entries)
	}
	logger.Info("reindexed kv entries", "count", total)
	return nil
}
