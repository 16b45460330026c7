package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id               UUID PRIMARY KEY,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ,
    device           TEXT NOT NULL DEFAULT '',
    speed_device_id  INTEGER NOT NULL,
    stride_device_id INTEGER NOT NULL,
    ticks            BIGINT NOT NULL DEFAULT 0,
    stride_count     DOUBLE PRECISION NOT NULL DEFAULT 0,
    distance_meters  DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_speed_mps    DOUBLE PRECISION NOT NULL DEFAULT 0,
    exit_reason      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_events (
    id          UUID PRIMARY KEY,
    run_id      UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    created_at  TIMESTAMPTZ NOT NULL,
    type        TEXT NOT NULL,
    level       TEXT NOT NULL,
    source      TEXT NOT NULL,
    description TEXT NOT NULL,
    details     JSONB
);

CREATE INDEX IF NOT EXISTS run_events_run_id_idx ON run_events (run_id, created_at);
`

// PostgresStore implements Store interface for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreDB wraps an already opened database.
func NewPostgresStoreDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SetPool sizes the connection pool. Zero values keep the driver defaults.
func (s *PostgresStore) SetPool(maxOpen, maxIdle int, maxLifetime time.Duration) {
	if maxOpen > 0 {
		s.db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		s.db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		s.db.SetConnMaxLifetime(maxLifetime)
	}
}

// EnsureSchema creates the tables if they do not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
