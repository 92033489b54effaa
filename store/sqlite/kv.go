package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/nevindra/reverie"
)

const kvColumns = `id, session_id, key, key_type, metadata, character_id, created_at, updated_at`

func scanKV(rows *sql.Rows) (reverie.KVEntry, error) {
	var e reverie.KVEntry
	var created, updated int64
	if err := rows.Scan(&e.ID, &e.SessionID, &e.Key, &e.KeyType, &e.Metadata,
		&e.CharacterID, &created, &updated); err != nil {
		return reverie.KVEntry{}, fmt.Errorf("scan kv entry: %w", err)
	}
	e.CreatedAt = decodeTime(created)
	e.UpdatedAt = decodeTime(updated)
	return e, nil
}

func (s *Store) queryKV(ctx context.Context, query string, args ...any) ([]reverie.KVEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query kv entries: %w", err)
	}
	defer rows.Close()
	var entries []reverie.KVEntry
	for rows.Next() {
		e, err := scanKV(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PutKV upserts an entry keyed by (session_id, key, character_id). An
// existing row keeps its id and created_at; only metadata, key_type, and
// updated_at change.
func (s *Store) PutKV(ctx context.Context, e reverie.KVEntry) (string, error) {
	start := time.Now()
	var rowID string
	err := s.withRetry(ctx, "put kv", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO kv_entries (`+kvColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id, key, character_id) DO UPDATE SET
			   key_type = excluded.key_type,
			   metadata = excluded.metadata,
			   updated_at = excluded.updated_at`,
			e.ID, e.SessionID, e.Key, e.KeyType, e.Metadata, e.CharacterID,
			encodeTime(e.CreatedAt), encodeTime(e.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert kv: %w", err)
		}
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM kv_entries WHERE session_id = ? AND key = ? AND character_id = ?`,
			e.SessionID, e.Key, e.CharacterID).Scan(&rowID)
		if err != nil {
			return fmt.Errorf("read back kv id: %w", err)
		}
		if err := touchSession(ctx, tx, e.SessionID, e.UpdatedAt); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("sqlite: put kv ok", "key", e.Key, "duration", time.Since(start))
	return rowID, nil
}

// GetKV returns one entry by its composite key.
func (s *Store) GetKV(ctx context.Context, sessionID, key, characterID string) (reverie.KVEntry, error) {
	entries, err := s.queryKV(ctx,
		`SELECT `+kvColumns+` FROM kv_entries
		 WHERE session_id = ? AND key = ? AND character_id = ?`,
		sessionID, key, characterID)
	if err != nil {
		return reverie.KVEntry{}, err
	}
	if len(entries) == 0 {
		return reverie.KVEntry{}, &reverie.ErrNotFound{Kind: "kv entry", ID: key}
	}
	return entries[0], nil
}

// DeleteKV removes one entry by its composite key.
func (s *Store) DeleteKV(ctx context.Context, sessionID, key, characterID string) (bool, error) {
	var matched bool
	err := s.withRetry(ctx, "delete kv", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE session_id = ? AND key = ? AND character_id = ?`,
			sessionID, key, characterID)
		if err != nil {
			return fmt.Errorf("delete kv: %w", err)
		}
		n, _ := res.RowsAffected()
		matched = n > 0
		return nil
	})
	return matched, err
}

// ListKV returns entries of a key type, optionally scoped to a character,
// oldest first.
func (s *Store) ListKV(ctx context.Context, sessionID, keyType, characterID string) ([]reverie.KVEntry, error) {
	query := `SELECT ` + kvColumns + ` FROM kv_entries WHERE session_id = ? AND key_type = ?`
	args := []any{sessionID, keyType}
	if characterID != "" {
		query += ` AND (character_id = '' OR character_id = ?)`
		args = append(args, characterID)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	return s.queryKV(ctx, query, args...)
}

// SearchKVLike is the LIKE-scan fallback for KV keyword search.
func (s *Store) SearchKVLike(ctx context.Context, sessionID, keyType, query string, limit int) ([]reverie.KVEntry, error) {
	return s.queryKV(ctx,
		`SELECT `+kvColumns+` FROM kv_entries
		 WHERE session_id = ? AND key_type = ? AND (key LIKE ? OR metadata LIKE ?)
		 ORDER BY updated_at DESC, id DESC LIMIT ?`,
		sessionID, keyType, "%"+query+"%", "%"+query+"%", limit)
}

// KVPage returns one chunk of all entries for bulk reindex.
func (s *Store) KVPage(ctx context.Context, offset, limit int) ([]reverie.KVEntry, error) {
	return s.queryKV(ctx,
		`SELECT `+kvColumns+` FROM kv_entries
		 ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
}

// --- frontend display log ---

// AddFrontendMessage appends one row to the frontend display log.
func (s *Store) AddFrontendMessage(ctx context.Context, m reverie.FrontendMessage) (string, error) {
	err := s.withRetry(ctx, "add frontend message", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO frontend_messages (id, session_id, role, content, message_type, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, m.MessageType, encodeTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert frontend message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// ListFrontendMessages returns display-log rows, oldest first.
func (s *Store) ListFrontendMessages(ctx context.Context, sessionID string, limit, offset int) ([]reverie.FrontendMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, message_type, created_at FROM frontend_messages
		 WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list frontend messages: %w", err)
	}
	defer rows.Close()
	var msgs []reverie.FrontendMessage
	for rows.Next() {
		var m reverie.FrontendMessage
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.MessageType, &created); err != nil {
			return nil, fmt.Errorf("scan frontend message: %w", err)
		}
		m.CreatedAt = decodeTime(created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteFrontendMessages clears the display log of a session.
func (s *Store) DeleteFrontendMessages(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "delete frontend messages", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM frontend_messages WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete frontend messages: %w", err)
		}
		return nil
	})
}
