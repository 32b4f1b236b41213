// ABOUTME: SQLite Journal using modernc.org/sqlite
// ABOUTME: Creates its schema on open and keeps entries in insertion order

package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteJournal persists entries to a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) the journal database at path.
// Parent directories are created if needed.
func NewSQLite(path string) (*SQLiteJournal, error) {
	logger := slog.Default().With("component", "journal")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	j := &SQLiteJournal{db: db, logger: logger}
	if err := j.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("journal initialized", "path", path)
	return j, nil
}

func (j *SQLiteJournal) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS relay_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			endpoint TEXT NOT NULL,
			type TEXT NOT NULL,
			request_id INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_relay_events_endpoint ON relay_events(endpoint, seq);
		CREATE INDEX IF NOT EXISTS idx_relay_events_type ON relay_events(type, seq);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record inserts e, filling its ID and timestamp when unset.
func (j *SQLiteJournal) Record(ctx context.Context, e *Entry) error {
	prepare(e)

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO relay_events (event_id, endpoint, type, request_id, kind, detail, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.Endpoint,
		string(e.Type),
		int64(e.RequestID),
		e.Kind,
		e.Detail,
		e.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// List returns matching entries, oldest first.
func (j *SQLiteJournal) List(ctx context.Context, p ListParams) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if p.Endpoint != "" {
		where = append(where, "endpoint = ?")
		args = append(args, p.Endpoint)
	}
	if p.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(p.Type))
	}

	query := `SELECT event_id, endpoint, type, request_id, kind, detail, timestamp FROM relay_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC LIMIT ?"
	args = append(args, p.limit())

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			eventType string
			requestID int64
			ts        string
		)
		if err := rows.Scan(&e.ID, &e.Endpoint, &eventType, &requestID, &e.Kind, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.Type = EventType(eventType)
		e.RequestID = uint64(requestID)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
