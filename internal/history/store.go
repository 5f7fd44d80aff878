// Package history archives finished tool invocations in a local sqlite
// database so they survive daemon restarts and can be listed over the API.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Record is one archived tool invocation.
type Record struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Tool       string    `json:"tool"`
	PluginID   string    `json:"plugin_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

// Config holds history store configuration.
type Config struct {
	// Path to the sqlite database file. Required.
	Path string
	// Logger for store operations.
	Logger zerolog.Logger
}

// Store persists invocation records.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore opens the database at cfg.Path, creating it and the schema on
// first use.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("history: database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// WAL keeps readers (the invocations endpoint) from blocking the
	// event sink's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: cfg.Logger.With().Str("component", "history").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("History store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id TEXT PRIMARY KEY,
		trace_id TEXT NOT NULL DEFAULT '',
		tool TEXT NOT NULL,
		plugin_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		started_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_invocations_tool ON invocations(tool);
	CREATE INDEX IF NOT EXISTS idx_invocations_started_at ON invocations(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Add inserts a record. A zero StartedAt is stamped with the current time.
// Re-adding an existing ID replaces the earlier row, so delivery retries
// stay idempotent.
func (s *Store) Add(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return errors.New("history: record id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO invocations
			(id, trace_id, tool, plugin_id, success, error, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TraceID, rec.Tool, rec.PluginID, boolToInt(rec.Success),
		rec.Error, rec.DurationMS, rec.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: insert record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first, optionally filtered by
// full tool name. A limit of zero or less falls back to the default and
// oversized limits are clamped.
func (s *Store) Recent(ctx context.Context, limit int, tool string) ([]Record, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	query := `SELECT id, trace_id, tool, plugin_id, success, error, duration_ms, started_at
		FROM invocations`
	var args []any
	if tool != "" {
		query += " WHERE tool = ?"
		args = append(args, tool)
	}
	query += " ORDER BY started_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec       Record
			success   int
			startedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.TraceID, &rec.Tool, &rec.PluginID,
			&success, &rec.Error, &rec.DurationMS, &startedAt); err != nil {
			return nil, fmt.Errorf("history: scan record: %w", err)
		}
		rec.Success = success != 0
		rec.StartedAt = time.UnixMilli(startedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Count reports the number of archived invocations.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM invocations").Scan(&n)
	return n, err
}

// Prune deletes records older than the retention window and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	res, err := s.db.ExecContext(ctx, "DELETE FROM invocations WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune records: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("Pruned invocation history")
	}
	return removed, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
