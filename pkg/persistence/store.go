// Package persistence provides SQLite-based storage for process records.
//
// Each protocol run is stored as one full JSON snapshot keyed by the caller's
// resumption key, upserted after every node transition so a run survives a
// process restart.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"harness/pkg/logx"
)

// ErrRecordNotFound is returned when no snapshot exists for a resumption key.
var ErrRecordNotFound = errors.New("process record not found")

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// Snapshot is one persisted process record.
type Snapshot struct {
	ThreadKey    string
	ProcessID    string
	CurrentPhase string
	RecordJSON   string
	UpdatedAt    time.Time
}

// Store wraps the process record database.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open creates or opens the store at dbPath, creating parent directories and
// initializing the schema as needed.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, logger: logx.NewLogger("persistence")}, nil
}

// OpenInMemory opens an in-memory store for testing.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, logger: logx.NewLogger("persistence")}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Save upserts the full record snapshot for a resumption key.
func (s *Store) Save(threadKey, processID, currentPhase, recordJSON string) error {
	_, err := s.db.Exec(`
		INSERT INTO process_records (thread_key, process_id, current_phase, record_json, updated_at)
		VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(thread_key) DO UPDATE SET
			process_id = excluded.process_id,
			current_phase = excluded.current_phase,
			record_json = excluded.record_json,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
	`, threadKey, processID, currentPhase, recordJSON)
	if err != nil {
		return fmt.Errorf("failed to save process record: %w", err)
	}
	return nil
}

// Load returns the snapshot for a resumption key, or ErrRecordNotFound.
func (s *Store) Load(threadKey string) (*Snapshot, error) {
	row := s.db.QueryRow(`
		SELECT thread_key, process_id, current_phase, record_json, updated_at
		FROM process_records
		WHERE thread_key = ?
	`, threadKey)

	var snap Snapshot
	var updatedAt string
	err := row.Scan(&snap.ThreadKey, &snap.ProcessID, &snap.CurrentPhase, &snap.RecordJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load process record: %w", err)
	}

	if t, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
		snap.UpdatedAt = t
	}
	return &snap, nil
}

// List returns all persisted snapshots ordered by last update, newest first.
func (s *Store) List() ([]Snapshot, error) {
	rows, err := s.db.Query(`
		SELECT thread_key, process_id, current_phase, record_json, updated_at
		FROM process_records
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query process records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot
		var updatedAt string
		if err := rows.Scan(&snap.ThreadKey, &snap.ProcessID, &snap.CurrentPhase, &snap.RecordJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan process record: %w", err)
		}
		if t, parseErr := time.Parse(time.RFC3339Nano, updatedAt); parseErr == nil {
			snap.UpdatedAt = t
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process records: %w", err)
	}
	return snapshots, nil
}

// Delete removes the snapshot for a resumption key. Deleting a missing key is
// not an error.
func (s *Store) Delete(threadKey string) error {
	if _, err := s.db.Exec(`DELETE FROM process_records WHERE thread_key = ?`, threadKey); err != nil {
		return fmt.Errorf("failed to delete process record: %w", err)
	}
	return nil
}
