package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists entries to a local SQLite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the request log database at path.
func OpenStore(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent flushes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS request_log (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			route TEXT,
			model TEXT,
			status_code INTEGER DEFAULT 0,
			duration_ns INTEGER DEFAULT 0,
			stream INTEGER DEFAULT 0,
			fingerprint TEXT,
			error_type TEXT,
			prompt_tokens INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			total_tokens INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_request_log_timestamp ON request_log(timestamp);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create request_log table: %w", err)
	}
	return &Store{db: db}, nil
}

// WriteBatch inserts entries in one statement.
func (s *Store) WriteBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO request_log
		(id, timestamp, route, model, status_code, duration_ns, stream, fingerprint, error_type, prompt_tokens, completion_tokens, total_tokens)
		VALUES `)
	args := make([]any, 0, len(entries)*12)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		args = append(args, id, e.Timestamp, e.Route, e.Model, e.StatusCode, e.DurationNs,
			boolToInt(e.Stream), e.Fingerprint, e.ErrorType,
			e.Usage.PromptTokens, e.Usage.CompletionTokens, e.Usage.TotalTokens)
	}
	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert request log entries: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, route, model, status_code, duration_ns, stream, fingerprint, error_type, prompt_tokens, completion_tokens, total_tokens
		FROM request_log ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var stream int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Route, &e.Model, &e.StatusCode, &e.DurationNs,
			&stream, &e.Fingerprint, &e.ErrorType,
			&e.Usage.PromptTokens, &e.Usage.CompletionTokens, &e.Usage.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan request log row: %w", err)
		}
		e.Stream = stream != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
