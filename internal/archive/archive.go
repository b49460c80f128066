// Package archive keeps a durable sqlite record of finished worker
// sessions and their transcripts. Live session state stays in memory;
// the archive is write-once-per-session history for the sessions and
// transcript commands.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"workfarm/internal/logging"
	"workfarm/internal/types"
)

// Record is one archived session row.
type Record struct {
	SessionID      string
	AgentID        string
	TaskID         string
	Status         types.SessionStatus
	Messages       int
	StartedAt      time.Time
	LastActivityAt time.Time
}

// Archive wraps the sqlite database.
type Archive struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	type TEXT NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
`

// Open creates or opens the archive database at path.
func Open(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session archive: %w", err)
	}
	// The archive is written from one goroutine at a time, and sqlite
	// locks the file anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create archive schema: %w", err)
	}
	logging.Archive("session archive opened at %s", path)
	return &Archive{db: db}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Save writes a session and its transcript. Re-saving a session
// replaces its rows, so archiving at every terminal is idempotent.
func (a *Archive) Save(s types.Session) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO sessions
		(id, agent_id, task_id, status, message_count, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentID, s.TaskID, string(s.Status), len(s.Messages), s.StartedAt, s.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_id = ?`, s.ID); err != nil {
		return fmt.Errorf("failed to clear transcript for %s: %w", s.ID, err)
	}
	stmt, err := tx.Prepare(`INSERT INTO session_messages
		(id, session_id, seq, timestamp, type, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, msg := range s.Messages {
		var metadata []byte
		if msg.Metadata != nil {
			metadata, _ = json.Marshal(msg.Metadata)
		}
		if _, err := stmt.Exec(msg.ID, s.ID, i, msg.Timestamp, string(msg.Type), msg.Content, metadata); err != nil {
			return fmt.Errorf("failed to archive message %d of %s: %w", i, s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive for %s: %w", s.ID, err)
	}
	logging.Archive("archived session %s (%d messages)", s.ID, len(s.Messages))
	return nil
}

// List returns the most recent archived sessions, newest first.
func (a *Archive) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.Query(`SELECT id, agent_id, task_id, status, message_count, started_at, last_activity_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var status string
		if err := rows.Scan(&r.SessionID, &r.AgentID, &r.TaskID, &status, &r.Messages, &r.StartedAt, &r.LastActivityAt); err != nil {
			return nil, err
		}
		r.Status = types.SessionStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transcript returns an archived session's messages in stream order.
func (a *Archive) Transcript(sessionID string) ([]types.SessionMessage, error) {
	rows, err := a.db.Query(`SELECT id, timestamp, type, content, metadata
		FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.SessionMessage
	for rows.Next() {
		var msg types.SessionMessage
		var kind string
		var metadata []byte
		if err := rows.Scan(&msg.ID, &msg.Timestamp, &kind, &msg.Content, &metadata); err != nil {
			return nil, err
		}
		msg.Type = types.MessageType(kind)
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &msg.Metadata)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// DeleteByAgent drops an agent's archived history when it is fired.
func (a *Archive) DeleteByAgent(agentID string) error {
	_, err := a.db.Exec(`DELETE FROM session_messages WHERE session_id IN
		(SELECT id FROM sessions WHERE agent_id = ?)`, agentID)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(`DELETE FROM sessions WHERE agent_id = ?`, agentID)
	return err
}
