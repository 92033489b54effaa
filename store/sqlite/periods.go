package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/nevindra/reverie"
)

const periodColumns = `id, session_id, period_id, period_type, title, content, start_at, end_at, character_id, created_at`

func scanPeriod(rows *sql.Rows) (reverie.Period, error) {
	var p reverie.Period
	var start, end, created int64
	if err := rows.Scan(&p.ID, &p.SessionID, &p.PeriodID, &p.PeriodType, &p.Title,
		&p.Content, &start, &end, &p.CharacterID, &created); err != nil {
		return reverie.Period{}, fmt.Errorf("scan period: %w", err)
	}
	p.StartAt = decodeTime(start)
	p.EndAt = decodeTime(end)
	p.CreatedAt = decodeTime(created)
	return p, nil
}

func (s *Store) queryPeriods(ctx context.Context, query string, args ...any) ([]reverie.Period, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query periods: %w", err)
	}
	defer rows.Close()
	var periods []reverie.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func periodFilterSQL(f reverie.PeriodFilter, args *[]any) string {
	var b strings.Builder
	if f.PeriodType != "" {
		b.WriteString(" AND period_type = ?")
		*args = append(*args, string(f.PeriodType))
	}
	if f.CharacterID != "" {
		b.WriteString(" AND (character_id = '' OR character_id = ?)")
		*args = append(*args, f.CharacterID)
	}
	return b.String()
}

// AddPeriod inserts a period row. The (session, period_id, type) triple is
// unique; colliding inserts return ErrConflict.
func (s *Store) AddPeriod(ctx context.Context, p reverie.Period) (string, error) {
	start := time.Now()
	err := s.withRetry(ctx, "add period", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO periods (`+periodColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.SessionID, p.PeriodID, string(p.PeriodType), p.Title, p.Content,
			encodeTime(p.StartAt), encodeTime(p.EndAt), p.CharacterID, encodeTime(p.CreatedAt))
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return &reverie.ErrConflict{Kind: string(p.PeriodType), ID: p.PeriodID}
			}
			return fmt.Errorf("insert period: %w", err)
		}
		if err := touchSession(ctx, tx, p.SessionID, p.CreatedAt); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.logger.Debug("sqlite: add period ok",
		"period_id", p.PeriodID, "type", p.PeriodType, "duration", time.Since(start))
	return p.ID, nil
}

// GetPeriod looks a period up by its business id within a type.
func (s *Store) GetPeriod(ctx context.Context, sessionID, periodID string, pt reverie.PeriodType) (reverie.Period, error) {
	periods, err := s.queryPeriods(ctx,
		`SELECT `+periodColumns+` FROM periods
		 WHERE session_id = ? AND period_id = ? AND period_type = ?`,
		sessionID, periodID, string(pt))
	if err != nil {
		return reverie.Period{}, err
	}
	if len(periods) == 0 {
		return reverie.Period{}, &reverie.ErrNotFound{Kind: string(pt), ID: periodID}
	}
	return periods[0], nil
}

// UpdatePeriod replaces the row matched by (session, period_id, type).
func (s *Store) UpdatePeriod(ctx context.Context, p reverie.Period) (bool, error) {
	var matched bool
	err := s.withRetry(ctx, "update period", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()
		res, err := tx.ExecContext(ctx,
			`UPDATE periods SET title = ?, content = ?, start_at = ?, end_at = ?, character_id = ?
			 WHERE session_id = ? AND period_id = ? AND period_type = ?`,
			p.Title, p.Content, encodeTime(p.StartAt), encodeTime(p.EndAt), p.CharacterID,
			p.SessionID, p.PeriodID, string(p.PeriodType))
		if err != nil {
			return fmt.Errorf("update period: %w", err)
		}
		n, _ := res.RowsAffected()
		matched = n > 0
		if !matched {
			return nil
		}
		if err := touchSession(ctx, tx, p.SessionID, p.StartAt); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return tx.Commit()
	})
	return matched, err
}

// DeletePeriod removes the row matched by (session, period_id, type).
func (s *Store) DeletePeriod(ctx context.Context, sessionID, periodID string, pt reverie.PeriodType) (bool, error) {
	var matched bool
	err := s.withRetry(ctx, "delete period", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM periods WHERE session_id = ? AND period_id = ? AND period_type = ?`,
			sessionID, periodID, string(pt))
		if err != nil {
			return fmt.Errorf("delete period: %w", err)
		}
		n, _ := res.RowsAffected()
		matched = n > 0
		return nil
	})
	return matched, err
}

// ListPeriods returns all matching periods ordered by start time.
func (s *Store) ListPeriods(ctx context.Context, sessionID string, f reverie.PeriodFilter) ([]reverie.Period, error) {
	args := []any{sessionID}
	filter := periodFilterSQL(f, &args)
	return s.queryPeriods(ctx,
		`SELECT `+periodColumns+` FROM periods
		 WHERE session_id = ?`+filter+`
		 ORDER BY start_at ASC, id ASC`, args...)
}

// PeriodsAt returns periods covering the instant t.
func (s *Store) PeriodsAt(ctx context.Context, sessionID string, t time.Time, f reverie.PeriodFilter) ([]reverie.Period, error) {
	args := []any{sessionID, encodeTime(t), encodeTime(t)}
	filter := periodFilterSQL(f, &args)
	return s.queryPeriods(ctx,
		`SELECT `+periodColumns+` FROM periods
		 WHERE session_id = ? AND start_at <= ? AND end_at >= ?`+filter+`
		 ORDER BY start_at ASC, id ASC`, args...)
}

// PeriodsOverlapping returns periods overlapping the closed range [a, b].
func (s *Store) PeriodsOverlapping(ctx context.Context, sessionID string, a, b time.Time, f reverie.PeriodFilter) ([]reverie.Period, error) {
	args := []any{sessionID, encodeTime(b), encodeTime(a)}
	filter := periodFilterSQL(f, &args)
	return s.queryPeriods(ctx,
		`SELECT `+periodColumns+` FROM periods
		 WHERE session_id = ? AND start_at <= ? AND end_at >= ?`+filter+`
		 ORDER BY start_at ASC, id ASC`, args...)
}

// PeriodPage returns one chunk of all period rows for bulk reindex.
func (s *Store) PeriodPage(ctx context.Context, offset, limit int) ([]reverie.Period, error) {
	return s.queryPeriods(ctx,
		`SELECT `+periodColumns+` FROM periods
		 ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`, limit, offset)
}
