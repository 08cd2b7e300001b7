// Package journal keeps a local sqlite record of instruction lifecycles for
// diagnostics. It is never load-bearing: callers log and ignore its errors.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS instruction_events (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	project TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_instruction_events_message
	ON instruction_events(message_id, created_at);
`

// Journal is a local diagnostics log stored under the workspace root.
type Journal struct {
	conn *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing journal schema: %w", err)
	}
	return &Journal{conn: conn}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.conn.Close()
}

// Record appends one lifecycle event for an instruction.
func (j *Journal) Record(messageID, project, user, event, detail string) error {
	_, err := j.conn.Exec(
		`INSERT INTO instruction_events (id, message_id, project, user, event, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), messageID, project, user, event, detail,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("recording journal event: %w", err)
	}
	return nil
}

// Event is one row read back from the journal.
type Event struct {
	MessageID string
	Project   string
	User      string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Events returns the lifecycle events for one instruction, oldest first.
func (j *Journal) Events(messageID string) ([]Event, error) {
	rows, err := j.conn.Query(
		`SELECT message_id, project, user, event, detail, created_at
		 FROM instruction_events WHERE message_id = ? ORDER BY created_at, id`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created string
		if err := rows.Scan(&e.MessageID, &e.Project, &e.User, &e.Event, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339, created)
		events = append(events, e)
	}
	return events, rows.Err()
}
