package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nevindra/reverie"
	"github.com/nevindra/reverie/internal/secret"
)

// SettingsStore implements reverie.SettingsStore over its own database
// file. It lives apart from the working Store so archive swaps never touch
// characters or model endpoints. Model API keys are enveloped at rest when
// a Keeper is provided.
type SettingsStore struct {
	db     *sql.DB
	path   string
	keeper *secret.Keeper
	logger *slog.Logger
}

var _ reverie.SettingsStore = (*SettingsStore)(nil)

// SettingsOption configures a SettingsStore.
type SettingsOption func(*SettingsStore)

// WithSettingsLogger sets a structured logger.
func WithSettingsLogger(l *slog.Logger) SettingsOption {
	return func(s *SettingsStore) { s.logger = l }
}

// WithKeeper enables API key enveloping. Without it keys are stored as
// given.
func WithKeeper(k *secret.Keeper) SettingsOption {
	return func(s *SettingsStore) { s.keeper = k }
}

// NewSettings opens the settings database at dbPath.
func NewSettings(dbPath string, opts ...SettingsOption) *SettingsStore {
	s := &SettingsStore{path: dbPath, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.db = open(dbPath)
	return s
}

// Path returns the database file path.
func (s *SettingsStore) Path() string { return s.path }

// Close closes the database.
func (s *SettingsStore) Close() error { return s.db.Close() }

// Init creates the settings tables.
func (s *SettingsStore) Init(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			api_type TEXT NOT NULL DEFAULT '',
			max_tokens INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create settings table: %w", err)
		}
	}
	return nil
}

// --- characters ---

// CreateCharacter inserts a persona record.
func (s *SettingsStore) CreateCharacter(ctx context.Context, c reverie.Character) (string, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO characters (id, name, system_prompt, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.SystemPrompt, encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("insert character: %w", err)
	}
	s.logger.Debug("settings: character created", "id", c.ID, "name", c.Name)
	return c.ID, nil
}

// GetCharacter returns one persona record.
func (s *SettingsStore) GetCharacter(ctx context.Context, id string) (reverie.Character, error) {
	var c reverie.Character
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, system_prompt, created_at, updated_at FROM characters WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.SystemPrompt, &created, &updated)
	if err == sql.ErrNoRows {
		return reverie.Character{}, &reverie.ErrNotFound{Kind: "character", ID: id}
	}
	if err != nil {
		return reverie.Character{}, fmt.Errorf("get character: %w", err)
	}
	c.CreatedAt = decodeTime(created)
	c.UpdatedAt = decodeTime(updated)
	return c, nil
}

// ListCharacters returns all persona records ordered by name.
func (s *SettingsStore) ListCharacters(ctx context.Context) ([]reverie.Character, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, system_prompt, created_at, updated_at FROM characters ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()
	var chars []reverie.Character
	for rows.Next() {
		var c reverie.Character
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &c.SystemPrompt, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		c.CreatedAt = decodeTime(created)
		c.UpdatedAt = decodeTime(updated)
		chars = append(chars, c)
	}
	return chars, rows.Err()
}

// UpdateCharacter replaces name and prompt. Returns false when the id is
// unknown.
func (s *SettingsStore) UpdateCharacter(ctx context.Context, c reverie.Character) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE characters SET name = ?, system_prompt = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.SystemPrompt, encodeTime(c.UpdatedAt), c.ID)
	if err != nil {
		return false, fmt.Errorf("update character: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteCharacter removes a persona record.
func (s *SettingsStore) DeleteCharacter(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM characters WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete character: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- models ---

func (s *SettingsStore) sealKey(key string) (string, error) {
	if s.keeper == nil {
		return key, nil
	}
	return s.keeper.Seal(key)
}

func (s *SettingsStore) openKey(stored string) (string, error) {
	if s.keeper == nil {
		return stored, nil
	}
	return s.keeper.Open(stored)
}

// CreateModel inserts an endpoint record, enveloping the API key.
func (s *SettingsStore) CreateModel(ctx context.Context, m reverie.ModelInfo) (string, error) {
	sealed, err := s.sealKey(m.APIKey)
	if err != nil {
		return "", fmt.Errorf("seal api key: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (id, name, model, base_url, api_key, api_type, max_tokens, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Model, m.BaseURL, sealed, m.APIType, m.MaxTokens,
		encodeTime(m.CreatedAt), encodeTime(m.UpdatedAt))
	if err != nil {
		return "", fmt.Errorf("insert model: %w", err)
	}
	s.logger.Debug("settings: model created", "id", m.ID, "name", m.Name)
	return m.ID, nil
}

func (s *SettingsStore) scanModel(row interface{ Scan(...any) error }) (reverie.ModelInfo, error) {
	var m reverie.ModelInfo
	var created, updated int64
	if err := row.Scan(&m.ID, &m.Name, &m.Model, &m.BaseURL, &m.APIKey, &m.APIType,
		&m.MaxTokens, &created, &updated); err != nil {
		return reverie.ModelInfo{}, err
	}
	key, err := s.openKey(m.APIKey)
	if err != nil {
		return reverie.ModelInfo{}, fmt.Errorf("open api key: %w", err)
	}
	m.APIKey = key
	m.CreatedAt = decodeTime(created)
	m.UpdatedAt = decodeTime(updated)
	return m, nil
}

const modelColumns = `id, name, model, base_url, api_key, api_type, max_tokens, created_at, updated_at`

// GetModel returns one endpoint record with the API key opened.
func (s *SettingsStore) GetModel(ctx context.Context, id string) (reverie.ModelInfo, error) {
	m, err := s.scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return reverie.ModelInfo{}, &reverie.ErrNotFound{Kind: "model", ID: id}
	}
	if err != nil {
		return reverie.ModelInfo{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// GetModelByName resolves an endpoint record by its configured name.
func (s *SettingsStore) GetModelByName(ctx context.Context, name string) (reverie.ModelInfo, error) {
	m, err := s.scanModel(s.db.QueryRowContext(ctx,
		`SELECT `+modelColumns+` FROM models WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return reverie.ModelInfo{}, &reverie.ErrNotFound{Kind: "model", ID: name}
	}
	if err != nil {
		return reverie.ModelInfo{}, fmt.Errorf("get model by name: %w", err)
	}
	return m, nil
}

// ListModels returns all endpoint records ordered by name. API keys come
// back opened.
func (s *SettingsStore) ListModels(ctx context.Context) ([]reverie.ModelInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelColumns+` FROM models ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	var models []reverie.ModelInfo
	for rows.Next() {
		m, err := s.scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// UpdateModel replaces an endpoint record. An empty APIKey keeps the
// stored one.
func (s *SettingsStore) UpdateModel(ctx context.Context, m reverie.ModelInfo) (bool, error) {
	if m.APIKey == "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE models SET name = ?, model = ?, base_url = ?, api_type = ?, max_tokens = ?, updated_at = ?
			 WHERE id = ?`,
			m.Name, m.Model, m.BaseURL, m.APIType, m.MaxTokens, encodeTime(m.UpdatedAt), m.ID)
		if err != nil {
			return false, fmt.Errorf("update model: %w", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}
	sealed, err := s.sealKey(m.APIKey)
	if err != nil {
		return false, fmt.Errorf("seal api key: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET name = ?, model = ?, base_url = ?, api_key = ?, api_type = ?, max_tokens = ?, updated_at = ?
		 WHERE id = ?`,
		m.Name, m.Model, m.BaseURL, sealed, m.APIType, m.MaxTokens, encodeTime(m.UpdatedAt), m.ID)
	if err != nil {
		return false, fmt.Errorf("update model: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteModel removes an endpoint record.
func (s *SettingsStore) DeleteModel(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete model: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
