package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed session log.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS chat_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session    TEXT NOT NULL,
		role       TEXT NOT NULL,
		message    TEXT NOT NULL,
		verbatim   INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS chat_log_session ON chat_log(session);
	CREATE TABLE IF NOT EXISTS step_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session    TEXT NOT NULL,
		script     TEXT NOT NULL,
		step_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		detail     TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS step_log_session ON step_log(session);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// AppendEntry records a finalized chat message.
func (s *SQLiteStore) AppendEntry(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	verbatim := 0
	if e.Verbatim {
		verbatim = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_log (session, role, message, verbatim, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.Session, e.Role, e.Message, verbatim, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

// Entries returns a session's chat log, oldest first.
func (s *SQLiteStore) Entries(ctx context.Context, session string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, message, verbatim, created_at
		FROM chat_log WHERE session = ? ORDER BY id LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("entries for %q: %w", session, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{Session: session}
		var verbatim int
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Role, &e.Message, &verbatim, &createdAt); err != nil {
			return nil, err
		}
		e.Verbatim = verbatim != 0
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RecordStep logs one executed demo step.
func (s *SQLiteStore) RecordStep(ctx context.Context, ev StepEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_log (session, script, step_id, kind, outcome, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Session, ev.Script, ev.StepID, ev.Kind, ev.Outcome, ev.Detail,
		ev.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record step %q: %w", ev.StepID, err)
	}
	return nil
}

// StepEvents returns a session's step log, oldest first.
func (s *SQLiteStore) StepEvents(ctx context.Context, session string, limit int) ([]StepEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, script, step_id, kind, outcome, detail, created_at
		FROM step_log WHERE session = ? ORDER BY id LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("step events for %q: %w", session, err)
	}
	defer rows.Close()

	var events []StepEvent
	for rows.Next() {
		ev := StepEvent{Session: session}
		var detail sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.Script, &ev.StepID, &ev.Kind, &ev.Outcome, &detail, &createdAt); err != nil {
			return nil, err
		}
		ev.Detail = detail.String
		ev.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastSession returns the most recently written session id.
func (s *SQLiteStore) LastSession(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var session string
	// RFC3339 strings sort chronologically.
	err := s.db.QueryRowContext(ctx, `
		SELECT session FROM (
			SELECT session, created_at FROM chat_log
			UNION ALL
			SELECT session, created_at FROM step_log
		) ORDER BY created_at DESC LIMIT 1`).Scan(&session)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last session: %w", err)
	}
	return session, nil
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
