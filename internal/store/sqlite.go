package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/logging"
)

const (
	registryFile          = "registry.db"
	registrySchemaVersion = 1
	planSchemaVersion     = 1
)

// SQLite implements Store over one registry database plus one database file
// per plan.
type SQLite struct {
	dataDir  string
	maxDepth int
	logger   logging.Logger

	registry *sql.DB

	mu    sync.Mutex
	plans map[string]*planDB
}

// planDB is one open per-plan database. The RWMutex serializes writers while
// letting readers proceed concurrently.
type planDB struct {
	db *sql.DB
	mu sync.RWMutex
}

// Options configures a SQLite store.
type Options struct {
	DataDir  string
	MaxDepth int // tree depth bound, default domain.DefaultMaxDepth
	Logger   logging.Logger
}

// NewSQLite opens (or creates) the registry database under opts.DataDir.
func NewSQLite(opts Options) (*SQLite, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("store: data dir must not be empty")
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	registry, err := openDatabase(filepath.Join(opts.DataDir, registryFile))
	if err != nil {
		return nil, fmt.Errorf("store: open registry: %w", err)
	}
	if err := migrate(registry, registryDDL, registrySchemaVersion); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("store: migrate registry: %w", err)
	}

	return &SQLite{
		dataDir:  opts.DataDir,
		maxDepth: opts.MaxDepth,
		logger:   logging.OrNop(opts.Logger),
		registry: registry,
		plans:    make(map[string]*planDB),
	}, nil
}

// openDatabase opens a SQLite file with WAL, foreign keys, and a busy
// timeout so concurrent workers back off instead of failing.
func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

var registryDDL = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL UNIQUE,
		goal           TEXT NOT NULL DEFAULT '',
		datastore_path TEXT NOT NULL,
		healthy        INTEGER NOT NULL DEFAULT 1,
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL,
		meta           TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS task_index (
		task_id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_index_plan ON task_index(plan_id)`,
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
}

var planDDL = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		plan_id     TEXT NOT NULL,
		parent_id   TEXT REFERENCES tasks(id) ON DELETE CASCADE,
		root_id     TEXT NOT NULL,
		name        TEXT NOT NULL,
		task_type   TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		priority    INTEGER NOT NULL DEFAULT 0,
		depth       INTEGER NOT NULL DEFAULT 0,
		position    INTEGER NOT NULL DEFAULT 0,
		path        TEXT NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		workflow_id TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL,
		meta        TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_path ON tasks(path)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE TABLE IF NOT EXISTS task_inputs (
		task_id    TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		content    TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_outputs (
		task_id    TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		content    TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_links (
		from_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		to_id      TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (from_id, to_id, kind)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_links_to ON task_links(to_id)`,
	`CREATE TABLE IF NOT EXISTS evaluations (
		id               TEXT PRIMARY KEY,
		task_id          TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		iteration        INTEGER NOT NULL,
		content_snapshot TEXT NOT NULL,
		overall_score    REAL NOT NULL,
		dimension_scores TEXT,
		suggestions      TEXT,
		needs_revision   INTEGER NOT NULL,
		mode             TEXT NOT NULL,
		created_at       TIMESTAMP NOT NULL,
		meta             TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evaluations_task ON evaluations(task_id, iteration)`,
	`CREATE TABLE IF NOT EXISTS snapshots (
		id            TEXT PRIMARY KEY,
		task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		label         TEXT NOT NULL,
		combined_text TEXT NOT NULL,
		sections      TEXT NOT NULL,
		meta          TEXT,
		created_at    TIMESTAMP NOT NULL,
		UNIQUE (task_id, label)
	)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		plan_id     TEXT NOT NULL,
		started_at  TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		strategy    TEXT NOT NULL,
		options     TEXT,
		status      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
}

// migrate applies idempotent DDL and records the schema version.
func migrate(db *sql.DB, ddl []string, version int) error {
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var current int
	err := db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		if _, err := db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case current < version:
		if _, err := db.Exec(`UPDATE schema_version SET version = ?`, version); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}
	return nil
}

// planPath is the datastore location for a plan id.
func (s *SQLite) planPath(planID string) string {
	return filepath.Join(s.dataDir, planID+".db")
}

// planDB returns the open handle for a plan's datastore, opening and
// migrating it on first use.
func (s *SQLite) planDB(ctx context.Context, planID string) (*planDB, error) {
	s.mu.Lock()
	if p, ok := s.plans[planID]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	var path string
	var healthy int
	err := s.registry.QueryRowContext(ctx,
		`SELECT datastore_path, healthy FROM plans WHERE id = ?`, planID,
	).Scan(&path, &healthy)
	if err == sql.ErrNoRows {
		return nil, gerrors.NewNotFound("plan", planID)
	}
	if err != nil {
		return nil, storeUnavailable("resolve plan datastore", err)
	}
	if healthy == 0 {
		return nil, gerrors.NewConflict("plan_unhealthy", "plan %s is marked unhealthy", planID)
	}

	db, err := openDatabase(path)
	if err != nil {
		// A datastore that cannot be opened poisons this plan only.
		_ = s.markHealthLocked(ctx, planID, false)
		return nil, storeUnavailable("open plan datastore", err)
	}
	if err := migrate(db, planDDL, planSchemaVersion); err != nil {
		_ = db.Close()
		_ = s.markHealthLocked(ctx, planID, false)
		return nil, storeUnavailable("migrate plan datastore", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.plans[planID]; ok {
		_ = db.Close()
		return p, nil
	}
	p := &planDB{db: db}
	s.plans[planID] = p
	return p, nil
}

func (s *SQLite) markHealthLocked(ctx context.Context, planID string, healthy bool) error {
	flag := 0
	if healthy {
		flag = 1
	}
	_, err := s.registry.ExecContext(ctx,
		`UPDATE plans SET healthy = ?, updated_at = ? WHERE id = ?`,
		flag, time.Now().UTC(), planID)
	return err
}

// Ping verifies the registry is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.registry.PingContext(ctx); err != nil {
		return storeUnavailable("ping registry", err)
	}
	return nil
}

// Close closes the registry and every open plan datastore.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, p := range s.plans {
		if err := p.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.plans, id)
	}
	if err := s.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, gerrors.ErrStoreUnavailable, err)
}

// now returns the canonical timestamp written to rows.
func now() time.Time {
	return time.Now().UTC()
}

var _ Store = (*SQLite)(nil)
