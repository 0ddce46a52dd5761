// Package db keeps the connection history in SQLite.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the CLI read history while the daemon writes
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{conn: conn, path: path}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main database file
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Supervisor state transitions
	CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL DEFAULT '',
		portal TEXT NOT NULL DEFAULT '',
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_connection_events_timestamp ON connection_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_connection_events_session ON connection_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// ConnectionEvent is one supervisor state transition
type ConnectionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Portal    string    `json:"portal"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// LogConnectionEvent records a state transition
func (db *DB) LogConnectionEvent(ev ConnectionEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	return db.execWithRetry(
		`INSERT INTO connection_events (session_id, portal, from_state, to_state, reason, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Portal, ev.FromState, ev.ToState, ev.Reason, ev.Details, ev.Timestamp,
	)
}

// DaemonEvent represents a daemon lifecycle event
type DaemonEvent struct {
	ID        int64     `json:"id"`
	EventType string    `json:"event_type"`
	Details   string    `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// LogDaemonEvent logs a daemon lifecycle event to the database
func (db *DB) LogDaemonEvent(eventType, details string) error {
	return db.execWithRetry(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
}

// execWithRetry retries briefly if the database is locked (3 attempts, 5ms
// apart). Best-effort: history must never block the daemon.
func (db *DB) execWithRetry(query string, args ...any) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(query, args...)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("failed to write event after %d retries: database locked", maxRetries)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// GetRecentConnectionEvents returns the newest transitions first
func (db *DB) GetRecentConnectionEvents(limit int) ([]ConnectionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, portal, from_state, to_state, COALESCE(reason, ''), COALESCE(details, ''), timestamp
		 FROM connection_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Portal, &e.FromState, &e.ToState, &e.Reason, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetSessionEvents returns every transition of one attempt session, oldest first
func (db *DB) GetSessionEvents(sessionID string) ([]ConnectionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, session_id, portal, from_state, to_state, COALESCE(reason, ''), COALESCE(details, ''), timestamp
		 FROM connection_events
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Portal, &e.FromState, &e.ToState, &e.Reason, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, COALESCE(details, ''), timestamp
		 FROM daemon_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
