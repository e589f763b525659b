package dedup

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteGuard is a dedup guard backed by an SQLite database. Workers on
// one host sharing the database file get true at-most-once admission;
// the unique key on the message id makes the check-then-insert atomic.
type SQLiteGuard struct {
	db       *sql.DB
	capacity int
}

// Compile-time check that SQLiteGuard implements Guard.
var _ Guard = (*SQLiteGuard)(nil)

// NewSQLiteGuard creates an SQLite-backed guard based on provided options.
// The DSN is a file path to the database; its directory is created when
// missing. Capacity defaults to DefaultCapacity and must be positive.
func NewSQLiteGuard(opts ...Option) (*SQLiteGuard, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteGuard invoked", "DSN_set", cfg.DSN != "", "capacity", cfg.Capacity)

	if cfg.DSN == "" {
		slog.Error("SQLiteGuard DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	capacity, err := resolveCapacity(cfg)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteGuard ready", "dsn", cfg.DSN, "capacity", capacity)
	return &SQLiteGuard{db: db, capacity: capacity}, nil
}

// CheckAndMark implements Guard. INSERT OR IGNORE on the unique message
// id decides novelty in one statement; the rows-affected count is the
// answer. On the PENDING path the oldest rows beyond capacity are pruned.
func (g *SQLiteGuard) CheckAndMark(id string) (Status, error) {
	result, err := g.db.Exec(`INSERT OR IGNORE INTO seen_messages (message_id) VALUES (?)`, id)
	if err != nil {
		return "", fmt.Errorf("dedup check failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	if n == 0 {
		return StatusConsumed, nil
	}

	if err := g.prune(); err != nil {
		return "", err
	}
	return StatusPending, nil
}

// prune evicts the oldest rows so the retained set stays at capacity.
func (g *SQLiteGuard) prune() error {
	_, err := g.db.Exec(
		`DELETE FROM seen_messages WHERE rowid IN (
			SELECT rowid FROM seen_messages ORDER BY rowid ASC
			LIMIT max((SELECT count(*) FROM seen_messages) - ?, 0)
		)`, g.capacity)
	if err != nil {
		return fmt.Errorf("dedup eviction failed: %w", err)
	}
	return nil
}

// Len returns the number of identifiers currently retained.
func (g *SQLiteGuard) Len() (int, error) {
	var n int
	if err := g.db.QueryRow(`SELECT count(*) FROM seen_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dedup count failed: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (g *SQLiteGuard) Close() error {
	return g.db.Close()
}
