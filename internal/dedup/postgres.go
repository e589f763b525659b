package dedup

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresGuard is a dedup guard backed by a shared PostgreSQL database.
// This is the multi-process deployment mode: the unique key on the
// message id gives true at-most-once admission across the whole worker
// pool, not a best-effort reduction.
type PostgresGuard struct {
	db       *sql.DB
	capacity int
}

// Compile-time check that PostgresGuard implements Guard.
var _ Guard = (*PostgresGuard)(nil)

// NewPostgresGuard creates a Postgres-backed guard based on provided
// options. Capacity defaults to DefaultCapacity and must be positive.
func NewPostgresGuard(opts ...Option) (*PostgresGuard, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresGuard invoked", "DSN_set", cfg.DSN != "", "capacity", cfg.Capacity)

	if cfg.DSN == "" {
		slog.Error("PostgresGuard DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}
	capacity, err := resolveCapacity(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		db.Close()
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresGuard ready", "capacity", capacity)
	return &PostgresGuard{db: db, capacity: capacity}, nil
}

// CheckAndMark implements Guard. ON CONFLICT DO NOTHING on the unique
// message id decides novelty atomically across all connected workers.
func (g *PostgresGuard) CheckAndMark(id string) (Status, error) {
	result, err := g.db.Exec(
		`INSERT INTO seen_messages (message_id) VALUES ($1) ON CONFLICT (message_id) DO NOTHING`, id)
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
func (g *PostgresGuard) prune() error {
	_, err := g.db.Exec(
		`DELETE FROM seen_messages WHERE seq IN (
			SELECT seq FROM seen_messages ORDER BY seq ASC
			LIMIT greatest((SELECT count(*) FROM seen_messages) - $1, 0)
		)`, g.capacity)
	if err != nil {
		return fmt.Errorf("dedup eviction failed: %w", err)
	}
	return nil
}

// Len returns the number of identifiers currently retained.
func (g *PostgresGuard) Len() (int, error) {
	var n int
	if err := g.db.QueryRow(`SELECT count(*) FROM seen_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("dedup count failed: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (g *PostgresGuard) Close() error {
	return g.db.Close()
}
