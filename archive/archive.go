// Package archive manages named copies of the working database. An archive
// is a plain file copy in the archive directory; loading one replaces the
// working file, reopens the store, flushes cached clocks, and rebuilds the
// search mirror.
package archive

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/reverie"
	"github.com/nevindra/reverie/store/sqlite"
)

const archiveExt = ".db"

// Info describes one archive file.
type Info struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manager serializes all archive operations behind one process-wide lock.
// The working database stays the single source of truth; which archive was
// last loaded is deliberately not tracked.
type Manager struct {
	mu     sync.Mutex
	store  *sqlite.Store
	clock  *reverie.Clock
	idx    reverie.Indexer
	dir    string
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager over the given store, clock, and mirror. dir is the
// archive directory; it is created on first use.
func New(store *sqlite.Store, clock *reverie.Clock, idx reverie.Indexer, dir string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clock,
		idx:    idx,
		dir:    dir,
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// validateName rejects names that would escape the archive directory.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return &reverie.ErrInvalid{Op: "archive", Message: fmt.Sprintf("invalid archive name %q", name)}
	}
	return nil
}

func (m *Manager) archivePath(name string) string {
	return filepath.Join(m.dir, name+archiveExt)
}

// Create copies the working database into a new archive. Fails when the
// name already exists.
func (m *Manager) Create(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := m.archivePath(name)
	if _, err := os.Stat(dst); err == nil {
		return &reverie.ErrConflict{Kind: "archive", ID: name}
	}
	if err := copyFile(m.store.Path(), dst); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	m.logger.Info("archive created", "name", name)
	return nil
}

// CreateEmpty writes a new archive containing an initialized empty schema.
func (m *Manager) CreateEmpty(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dst := m.archivePath(name)
	if _, err := os.Stat(dst); err == nil {
		return &reverie.ErrConflict{Kind: "archive", ID: name}
	}
	empty := sqlite.New(dst)
	if err := empty.Init(ctx); err != nil {
		empty.Close()
		os.Remove(dst)
		return fmt.Errorf("init empty archive: %w", err)
	}
	if err := empty.Close(); err != nil {
		return fmt.Errorf("close empty archive: %w", err)
	}
	m.logger.Info("empty archive created", "name", name)
	return nil
}

// Overwrite replaces an existing archive with the current working database.
func (m *Manager) Overwrite(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dst := m.archivePath(name)
	if _, err := os.Stat(dst); err != nil {
		return &reverie.ErrNotFound{Kind: "archive", ID: name}
	}
	if err := copyFile(m.store.Path(), dst); err != nil {
		return fmt.Errorf("overwrite archive: %w", err)
	}
	m.logger.Info("archive overwritten", "name", name)
	return nil
}

// Delete removes an archive file.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path := m.archivePath(name)
	if _, err := os.Stat(path); err != nil {
		return &reverie.ErrNotFound{Kind: "archive", ID: name}
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	m.logger.Info("archive deleted", "name", name)
	return nil
}

// Load replaces the working database with an archive's contents, reopens
// the store, drops cached clock state, and rebuilds the search mirror.
func (m *Manager) Load(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.archivePath(name)
	if _, err := os.Stat(src); err != nil {
		return &reverie.ErrNotFound{Kind: "archive", ID: name}
	}
	return m.swapWorking(ctx, func() error {
		return copyFile(src, m.store.Path())
	}, "archive loaded", "name", name)
}

// ResetWorking recreates an empty working database and rebuilds the
// (now empty) search mirror.
func (m *Manager) ResetWorking(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.swapWorking(ctx, func() error {
		return os.Remove(m.store.Path())
	}, "working database reset")
}

// swapWorking closes the store, runs replace against the working file,
// reopens, resets clocks, and reindexes. Lock must be held.
func (m *Manager) swapWorking(ctx context.Context, replace func() error, msg string, logArgs ...any) error {
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("close working db: %w", err)
	}
	if err := replace(); err != nil {
		// Reopen whatever state the file is in; a half-dead store is worse
		// than a stale one.
		_ = m.store.Reopen(ctx)
		return fmt.Errorf("replace working db: %w", err)
	}
	if err := m.store.Reopen(ctx); err != nil {
		return fmt.Errorf("reopen working db: %w", err)
	}
	m.clock.Reset()
	if m.idx != nil && m.idx.Available(ctx) {
		if err := reverie.Reindex(ctx, m.store, m.idx, m.logger); err != nil {
			m.logger.Warn("reindex after swap failed", "error", err)
		}
	}
	m.logger.Info(msg, logArgs...)
	return nil
}

// List scans the archive directory, newest modification first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := os.ReadDir(m.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:       strings.TrimSuffix(e.Name(), archiveExt),
			SizeBytes:  fi.Size(),
			CreatedAt:  fi.ModTime(),
			ModifiedAt: fi.ModTime(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModifiedAt.After(infos[j].ModifiedAt) })
	return infos, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
