package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/rivet-dev/sandboxagent/internal/ueevent"
)

// SessionRecord is the subset of session identity/end-state this store
// persists. Kept independent of internal/session.Session's concrete type so
// this package never depends on the session package.
type SessionRecord struct {
	SessionID       string
	Agent           string
	AgentMode       string
	PermissionMode  string
	Model           string
	Variant         string
	NativeSessionID string
	Ended           bool
	EndReason       string
}

// SQLiteStore is the daemon's optional persistence layer: session metadata,
// the event log, and the OpenCode-compat projection, written to a local
// SQLite file when one is configured. Absence of a configured db path is
// not an error - OpenSQLite("") returns a nil store and callers treat a nil
// *SQLiteStore as a no-op.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the SQLite file at path and runs its
// migration. An empty path is a valid "persistence disabled" configuration
// and returns (nil, nil).
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite db: %w", err)
	}
	return store, nil
}

// migrate creates schema version 1: sessions, events, and
// opencode_session_metadata tables.
func (s *SQLiteStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id       TEXT PRIMARY KEY,
		agent            TEXT NOT NULL,
		agent_mode       TEXT,
		permission_mode  TEXT,
		model            TEXT,
		variant          TEXT,
		native_session_id TEXT,
		ended            INTEGER NOT NULL DEFAULT 0,
		end_reason       TEXT,
		created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		sequence   INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT NOT NULL,
		PRIMARY KEY (session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

	CREATE TABLE IF NOT EXISTS opencode_session_metadata (
		session_id  TEXT PRIMARY KEY,
		provider_id TEXT,
		model_id    TEXT,
		title       TEXT,
		updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_migrations(version) VALUES (1)`)
	return err
}

// Close closes the underlying database handle. Safe to call on a nil store.
func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSession upserts rec's identity and end state. A nil receiver is a
// no-op, so callers don't need a persistence-enabled check at every call
// site.
func (s *SQLiteStore) SaveSession(rec SessionRecord) error {
	if s == nil {
		return nil
	}
	var endReason sql.NullString
	if rec.Ended {
		endReason = sql.NullString{String: rec.EndReason, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, agent, agent_mode, permission_mode, model, variant, native_session_id, ended, end_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			native_session_id = excluded.native_session_id,
			ended = excluded.ended,
			end_reason = excluded.end_reason,
			updated_at = CURRENT_TIMESTAMP
	`, rec.SessionID, rec.Agent, rec.AgentMode, rec.PermissionMode, rec.Model, rec.Variant,
		rec.NativeSessionID, boolToInt(rec.Ended), endReason)
	return err
}

// SaveEvent appends ev to the events table. Idempotent on (session_id,
// sequence) so replays of an already-persisted log are harmless.
func (s *SQLiteStore) SaveEvent(ev ueevent.Event) error {
	if s == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO events (session_id, sequence, event_type, payload)
		VALUES (?, ?, ?, ?)
	`, ev.SessionID, ev.Sequence, string(ev.EventType), string(payload))
	return err
}

// LoadEvents returns every persisted event for sessionID in sequence order.
// The daemon does not call it: sessions are not rehydrated from the store
// after a restart.
func (s *SQLiteStore) LoadEvents(sessionID string) ([]ueevent.Event, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT payload FROM events WHERE session_id = ? ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ueevent.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev ueevent.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveOpenCodeMetadata upserts the OpenCode-compat provider/model/title
// projection for
// sessionID, the bit of OpenCode-compat state that has no home in the
// Universal Event log itself.
func (s *SQLiteStore) SaveOpenCodeMetadata(sessionID, providerID, modelID, title string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO opencode_session_metadata (session_id, provider_id, model_id, title, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			provider_id = excluded.provider_id,
			model_id = excluded.model_id,
			title = excluded.title,
			updated_at = CURRENT_TIMESTAMP
	`, sessionID, providerID, modelID, title)
	return err
}

// ListSessionIDs returns every session id persisted so far, newest first.
func (s *SQLiteStore) ListSessionIDs() ([]string, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT session_id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
