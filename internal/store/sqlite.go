package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/halcyon-ai/researchd/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements SnapshotRepository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed snapshot repository.
func NewSQLite(dbPath string) (SnapshotRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
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
	CREATE TABLE IF NOT EXISTS workflow_snapshots (
		session_id TEXT PRIMARY KEY,
		query TEXT NOT NULL,
		status TEXT NOT NULL,
		checkpoint_history_json TEXT,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON workflow_snapshots(updated_at);
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

// SaveSnapshot creates or updates the snapshot for a session.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *domain.WorkflowSnapshot) error {
	historyJSON, err := json.Marshal(snap.CheckpointHistory)
	if err != nil {
		return fmt.Errorf("marshal checkpoint history: %w", err)
	}

	now := time.Now()
	created := snap.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO workflow_snapshots
			(session_id, query, status, checkpoint_history_json, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			query = excluded.query,
			status = excluded.status,
			checkpoint_history_json = excluded.checkpoint_history_json,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		snap.SessionID, snap.Query, string(snap.Status), string(historyJSON),
		snap.LastError, created.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves the snapshot for a session.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, sessionID string) (*domain.WorkflowSnapshot, error) {
	query := `
		SELECT session_id, query, status, checkpoint_history_json, last_error, created_at, updated_at
		FROM workflow_snapshots WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var snap domain.WorkflowSnapshot
	var status string
	var historyJSON sql.NullString
	var lastError sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&snap.SessionID, &snap.Query, &status, &historyJSON, &lastError, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan snapshot row: %w", err)
	}

	snap.Status = domain.SessionStatus(status)
	snap.LastError = lastError.String
	snap.CreatedAt = time.Unix(createdAt, 0)
	snap.UpdatedAt = time.Unix(updatedAt, 0)
	if historyJSON.Valid && historyJSON.String != "" && historyJSON.String != "null" {
		if err := json.Unmarshal([]byte(historyJSON.String), &snap.CheckpointHistory); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint history: %w", err)
		}
	}
	return &snap, nil
}

// DeleteSnapshot removes a session's snapshot.
func (s *SQLiteStore) DeleteSnapshot(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// CleanupExpired removes snapshots untouched for longer than ttl.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ttl).Unix()
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_snapshots WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup snapshots: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// IsBusyError checks for SQLite concurrency errors (SQLITE_BUSY or
// "database is locked") that typically warrant a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
