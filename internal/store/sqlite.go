package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/shsh-pilot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS targets (
		session_id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL,
		provisioned INTEGER NOT NULL DEFAULT 0,
		shell TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_targets_last_seen ON targets(last_seen_at);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetTarget retrieves the target bound to a session.
func (s *SQLiteStore) GetTarget(ctx context.Context, sessionID string) (*domain.Target, error) {
	query := `
		SELECT session_id, container_id, provisioned, shell, user_name,
		       last_seen_at, created_at, updated_at
		FROM targets WHERE session_id = ?`

	target, err := scanTarget(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan target row: %w", err)
	}
	return target, nil
}

// UpsertTarget creates or replaces a session's target binding.
func (s *SQLiteStore) UpsertTarget(ctx context.Context, target *domain.Target) error {
	query := `
	INSERT INTO targets (session_id, container_id, provisioned, shell, user_name, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		container_id = excluded.container_id,
		provisioned = excluded.provisioned,
		shell = excluded.shell,
		user_name = excluded.user_name,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	now := time.Now()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	if target.LastSeenAt.IsZero() {
		target.LastSeenAt = now
	}
	target.UpdatedAt = now

	return withRetry(ctx, "upsert target", func() error {
		_, err := s.db.ExecContext(ctx, query,
			target.SessionID, target.ContainerID, target.Provisioned,
			target.Shell, target.User,
			target.LastSeenAt.Unix(), target.CreatedAt.Unix(), target.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert target: %w", err)
		}
		return nil
	})
}

// TouchTarget records activity on a session's target.
func (s *SQLiteStore) TouchTarget(ctx context.Context, sessionID string, at time.Time) error {
	query := `UPDATE targets SET last_seen_at = ?, updated_at = ? WHERE session_id = ?`
	return withRetry(ctx, "touch target", func() error {
		result, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), sessionID)
		if err != nil {
			return fmt.Errorf("touch target: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteTarget removes a session's target binding.
func (s *SQLiteStore) DeleteTarget(ctx context.Context, sessionID string) error {
	return withRetry(ctx, "delete target", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete target: %w", err)
		}
		return nil
	})
}

// IdleTargets returns targets with no activity within ttl.
func (s *SQLiteStore) IdleTargets(ctx context.Context, ttl time.Duration) ([]*domain.Target, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT session_id, container_id, provisioned, shell, user_name,
		       last_seen_at, created_at, updated_at
		FROM targets WHERE last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle targets: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle targets rows", "error", closeErr)
		}
	}()

	var targets []*domain.Target
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle target row: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle targets: %w", err)
	}
	return targets, nil
}

// AppendEvents stores a batch of events in one transaction.
func (s *SQLiteStore) AppendEvents(ctx context.Context, events []domain.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	return withRetry(ctx, "append events", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin events tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (session_id, type, payload, created_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare event insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, e := range events {
			created := e.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, e.SessionID, e.Type, string(e.Payload), created.UnixMilli()); err != nil {
				return fmt.Errorf("insert event: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit events: %w", err)
		}
		return nil
	})
}

// ListEvents returns a session's events after afterID in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]domain.EventRecord, error) {
	query := `SELECT id, session_id, type, payload, created_at FROM events
		WHERE session_id = ? AND id > ? ORDER BY id`
	args := []any{sessionID, afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close events rows", "error", closeErr)
		}
	}()

	var out []domain.EventRecord
	for rows.Next() {
		var rec domain.EventRecord
		var payload string
		var created int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.Payload = []byte(payload)
		rec.CreatedAt = time.UnixMilli(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// PruneEvents deletes events older than the retention period.
func (s *SQLiteStore) PruneEvents(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).UnixMilli()
	var deleted int64
	err := withRetry(ctx, "prune events", func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*domain.Target, error) {
	var t domain.Target
	var lastSeen, createdAt, updatedAt int64
	if err := row.Scan(
		&t.SessionID, &t.ContainerID, &t.Provisioned, &t.Shell, &t.User,
		&lastSeen, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	t.LastSeenAt = time.Unix(lastSeen, 0)
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

var _ Repository = (*SQLiteStore)(nil)
