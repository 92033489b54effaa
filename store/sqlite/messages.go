package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

func marshalActions(actions []reverie.ClockAction) (string, error) {
	if len(actions) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("marshal clock actions: %w", err)
	}
	return string(data), nil
}

func unmarshalActions(s string, out *[]reverie.ClockAction) error {
	if s == "" || s == "[]" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("unmarshal clock actions: %w", err)
	}
	return nil
}

// messageFilterSQL renders the category and visibility predicates. The
// visibility rule: a message with zero visibility rows is visible to all;
// otherwise only to the listed characters.
func messageFilterSQL(f reverie.MessageFilter, args *[]any) string {
	var b strings.Builder
	if len(f.Categories) > 0 {
		b.WriteString(" AND m.category IN (")
		for i, c := range f.Categories {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			*args = append(*args, string(c))
		}
		b.WriteString(")")
	}
	if f.CharacterID != "" {
		b.WriteString(` AND (
			NOT EXISTS (SELECT 1 FROM message_characters mc WHERE mc.message_id = m.id)
			OR EXISTS (SELECT 1 FROM message_characters mc WHERE mc.message_id = m.id AND mc.character_id = ?)
		)`)
		*args = append(*args, f.CharacterID)
	}
	return b.String()
}

const messageColumns = `m.id, m.session_id, m.role, m.content, m.tool_calls, m.tool_name, m.tool_call_id, m.speaker, m.category, m.created_at`

func scanMessage(rows *sql.Rows) (reverie.Message, error) {
	var m reverie.Message
	var toolCalls sql.NullString
	var created int64
	if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCalls,
		&m.ToolName, &m.ToolCallID, &m.Speaker, &m.Category, &created); err != nil {
		return reverie.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
			return reverie.Message{}, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	m.CreatedAt = decodeTime(created)
	return m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]reverie.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	var msgs []reverie.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, s.loadVisibility(ctx, msgs)
}

// loadVisibility fills VisibleFor for each message.
func (s *Store) loadVisibility(ctx context.Context, msgs []reverie.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	placeholders := make([]string, len(msgs))
	args := make([]any, len(msgs))
	byID := make(map[string]*reverie.Message, len(msgs))
	for i := range msgs {
		placeholders[i] = "?"
		args[i] = msgs[i].ID
		byID[msgs[i].ID] = &msgs[i]
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, character_id FROM message_characters WHERE message_id IN (`+
			strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("load visibility: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID, characterID string
		if err := rows.Scan(&messageID, &characterID); err != nil {
			return fmt.Errorf("scan visibility: %w", err)
		}
		if m, ok := byID[messageID]; ok {
			m.VisibleFor = append(m.VisibleFor, characterID)
		}
	}
	return rows.Err()
}

// AddMessage inserts the message and its visibility rows in one
// transaction, bumping the session's virtual updated_at.
func (s *Store) AddMessage(ctx context.Context, m reverie.Message) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: add message",
		"id", m.ID, "session_id", m.SessionID, "role", m.Role, "category", m.Category)

	var toolCalls any
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return "", fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	err := s.withRetry(ctx, "add message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, tool_calls, tool_name, tool_call_id, speaker, category, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, toolCalls, m.ToolName, m.ToolCallID,
			m.Speaker, string(m.Category), encodeTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		for _, characterID := range m.VisibleFor {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO message_characters (message_id, character_id) VALUES (?, ?)`,
				m.ID, characterID); err != nil {
				return fmt.Errorf("insert visibility: %w", err)
			}
		}
		if err := touchSession(ctx, tx, m.SessionID, m.CreatedAt); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		s.logger.Error("sqlite: add message failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return "", err
	}
	s.logger.Debug("sqlite: add message ok", "id", m.ID, "duration", time.Since(start))
	return m.ID, nil
}

// GetMessage returns one message row by id.
func (s *Store) GetMessage(ctx context.Context, id string) (reverie.Message, error) {
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	if err != nil {
		return reverie.Message{}, err
	}
	if len(msgs) == 0 {
		return reverie.Message{}, &reverie.ErrNotFound{Kind: "message", ID: id}
	}
	return msgs[0], nil
}

// DeleteMessage removes a message and its visibility rows.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete message", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_characters WHERE message_id = ?`, id); err != nil {
			return fmt.Errorf("delete visibility: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &reverie.ErrNotFound{Kind: "message", ID: id}
		}
		return tx.Commit()
	})
}

// MessageCount returns the number of messages in a session.
func (s *Store) MessageCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// DeleteOldestMessages removes the n oldest messages of a session and
// returns their ids.
func (s *Store) DeleteOldestMessages(ctx context.Context, sessionID string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	var removed []string
	err := s.withRetry(ctx, "delete oldest messages", func() error {
		removed = removed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
			sessionID, n)
		if err != nil {
			return fmt.Errorf("select oldest: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan id: %w", err)
			}
			removed = append(removed, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		for _, id := range removed {
			if _, err := tx.ExecContext(ctx, `DELETE FROM message_characters WHERE message_id = ?`, id); err != nil {
				return fmt.Errorf("delete visibility: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete message: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// RecentMessages returns the newest limit messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int, f reverie.MessageFilter) ([]reverie.Message, error) {
	args := []any{sessionID}
	filter := messageFilterSQL(f, &args)
	args = append(args, limit)
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.session_id = ?`+filter+`
		 ORDER BY m.created_at DESC, m.id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// MessagesAroundTime returns up to limit messages nearest to t within
// [t-halfRange, t+halfRange]. Each side is probed with limit+1 rows; the
// probes drive the has-more metadata.
func (s *Store) MessagesAroundTime(ctx context.Context, sessionID string, t time.Time, halfRange time.Duration, limit int, f reverie.MessageFilter) ([]reverie.Message, reverie.QueryMetadata, error) {
	start := time.Now()
	meta := reverie.QueryMetadata{TimePoint: t.Format(reverie.TimeLayout)}
	if limit <= 0 {
		return nil, meta, nil
	}

	probe := limit + 1

	beforeArgs := []any{sessionID, encodeTime(t.Add(-halfRange)), encodeTime(t)}
	beforeFilter := messageFilterSQL(f, &beforeArgs)
	beforeArgs = append(beforeArgs, probe)
	before, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.session_id = ? AND m.created_at >= ? AND m.created_at < ?`+beforeFilter+`
		 ORDER BY m.created_at DESC, m.id DESC LIMIT ?`, beforeArgs...)
	if err != nil {
		return nil, meta, err
	}

	afterArgs := []any{sessionID, encodeTime(t), encodeTime(t.Add(halfRange))}
	afterFilter := messageFilterSQL(f, &afterArgs)
	afterArgs = append(afterArgs, probe)
	after, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.session_id = ? AND m.created_at >= ? AND m.created_at <= ?`+afterFilter+`
		 ORDER BY m.created_at ASC, m.id ASC LIMIT ?`, afterArgs...)
	if err != nil {
		return nil, meta, err
	}

	// Merge both sides, keep the limit rows closest to t, then restore
	// chronological order for delivery.
	merged := append(append([]reverie.Message{}, before...), after...)
	sort.SliceStable(merged, func(i, j int) bool {
		di := absDuration(merged[i].CreatedAt.Sub(t))
		dj := absDuration(merged[j].CreatedAt.Sub(t))
		if di == dj {
			return merged[i].ID < merged[j].ID
		}
		return di < dj
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})

	keptBefore := 0
	for _, m := range merged {
		if m.CreatedAt.Before(t) {
			keptBefore++
		}
	}
	meta.HasMoreBefore = len(before) > keptBefore
	meta.HasMoreAfter = len(after) > len(merged)-keptBefore

	s.logger.Debug("sqlite: messages around time ok",
		"session_id", sessionID, "count", len(merged),
		"has_more_before", meta.HasMoreBefore, "has_more_after", meta.HasMoreAfter,
		"duration", time.Since(start))
	return merged, meta, nil
}

// MessagesInRange returns up to limit messages in [from, to] ascending; a
// limit+1 probe drives HasMoreAfter.
func (s *Store) MessagesInRange(ctx context.Context, sessionID string, from, to time.Time, limit int, f reverie.MessageFilter) ([]reverie.Message, reverie.QueryMetadata, error) {
	meta := reverie.QueryMetadata{TimePoint: from.Format(reverie.TimeLayout)}
	if limit <= 0 {
		return nil, meta, nil
	}
	args := []any{sessionID, encodeTime(from), encodeTime(to)}
	filter := messageFilterSQL(f, &args)
	args = append(args, limit+1)
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.session_id = ? AND m.created_at >= ? AND m.created_at <= ?`+filter+`
		 ORDER BY m.created_at ASC, m.id ASC LIMIT ?`, args...)
	if err != nil {
		return nil, meta, err
	}
	if len(msgs) > limit {
		msgs = msgs[:limit]
		meta.HasMoreAfter = true
	}
	return msgs, meta, nil
}

// SearchMessagesLike is the LIKE-scan fallback used when the search mirror
// is unavailable. Results come back oldest first.
func (s *Store) SearchMessagesLike(ctx context.Context, sessionID, query string, limit, offset int, f reverie.MessageFilter) ([]reverie.Message, error) {
	args := []any{sessionID, "%" + query + "%"}
	filter := messageFilterSQL(f, &args)
	args = append(args, limit, offset)
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.session_id = ? AND m.content LIKE ?`+filter+`
		 ORDER BY m.created_at DESC, m.id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// CountMessages counts rows matching speaker and the category set.
func (s *Store) CountMessages(ctx context.Context, sessionID, speaker string, categories []reverie.MessageCategory) (int, error) {
	args := []any{sessionID, speaker}
	f := reverie.MessageFilter{Categories: categories}
	filter := messageFilterSQL(f, &args)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m WHERE m.session_id = ? AND m.speaker = ?`+filter,
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// MessagePage returns one chunk of all message rows for bulk reindex.
func (s *Store) MessagePage(ctx context.Context, offset, limit int) ([]reverie.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 ORDER BY m.created_at ASC, m.id ASC LIMIT ? OFFSET ?`, limit, offset)
}

func reverseMessages(msgs []reverie.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
