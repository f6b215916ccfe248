package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/grahama1970/cc-executor/pkg/api/v1"
)

// SQLiteStore provides SQLite-based execution history storage.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite history store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		command TEXT NOT NULL,
		pid INTEGER NOT NULL,
		status TEXT NOT NULL,
		cause TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		bytes_emitted INTEGER DEFAULT 0,
		dropped_lines INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_executions_session_id ON executions(session_id);
	CREATE INDEX IF NOT EXISTS idx_executions_finished_at ON executions(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record persists one completed execution.
func (s *SQLiteStore) Record(ctx context.Context, rec *v1.ExecutionRecord) error {
	query := `
	INSERT OR REPLACE INTO executions (
		id, session_id, command, pid, status, cause, exit_code,
		bytes_emitted, dropped_lines, started_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.Command, rec.PID,
		string(rec.Status), string(rec.Cause), rec.ExitCode,
		rec.BytesEmitted, rec.DroppedLines,
		rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// Get returns a recorded execution by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*v1.ExecutionRecord, error) {
	query := `
	SELECT id, session_id, command, pid, status, cause, exit_code,
		bytes_emitted, dropped_lines, started_at, finished_at
	FROM executions WHERE id = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution record not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec, nil
}

// ListBySession returns the recorded executions of one session, most recent first.
func (s *SQLiteStore) ListBySession(ctx context.Context, sessionID string) ([]*v1.ExecutionRecord, error) {
	query := `
	SELECT id, session_id, command, pid, status, cause, exit_code,
		bytes_emitted, dropped_lines, started_at, finished_at
	FROM executions WHERE session_id = ?
	ORDER BY finished_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	result := make([]*v1.ExecutionRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanRecord.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*v1.ExecutionRecord, error) {
	var rec v1.ExecutionRecord
	var status, cause string

	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.Command, &rec.PID,
		&status, &cause, &rec.ExitCode,
		&rec.BytesEmitted, &rec.DroppedLines,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = v1.ExecutionStatus(status)
	rec.Cause = v1.CompletionCause(cause)
	return &rec, nil
}
