package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

type EventType string

const (
	EventCallCreated       EventType = "call_created"
	EventCallEnded         EventType = "call_ended"
	EventCallRejected      EventType = "call_rejected"
	EventBudgetWarning     EventType = "budget_warning"
	EventSecurityViolation EventType = "security_violation"
)

type Entry struct {
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	SessionID string      `json:"session_id"`
	RoomID    string      `json:"room_id"`
	UserID    string      `json:"user_id"`
	Details   interface{} `json:"details,omitempty"`
}

// AuditLog persists call-lifecycle events to a SQLite database, keeping at
// most maxLen rows (oldest dropped first).
type AuditLog struct {
	mu     sync.Mutex
	db     *sql.DB
	maxLen int
}

type Config struct {
	Path   string
	MaxLen int
}

func DefaultConfig() Config {
	return Config{
		Path:   "/var/lib/armorclaw/audit.db",
		MaxLen: 10000,
	}
}

func NewAuditLog(cfg Config) (*AuditLog, error) {
	if cfg.Path == "" {
		cfg.Path = "/var/lib/armorclaw/audit.db"
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 10000
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log database: %w", err)
	}

	al := &AuditLog{db: db, maxLen: cfg.MaxLen}
	if err := al.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit log: %w", err)
	}
	return al, nil
}

func (al *AuditLog) migrate() error {
	_, err := al.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp    TIMESTAMP NOT NULL,
			event_type   TEXT NOT NULL,
			session_id   TEXT,
			room_id      TEXT,
			user_id      TEXT,
			details_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
		CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_events(session_id);
		CREATE INDEX IF NOT EXISTS idx_audit_room ON audit_events(room_id);
		CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	`)
	return err
}

func (al *AuditLog) Log(entry Entry) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to serialize audit details: %w", err)
		}
	}

	_, err := al.db.Exec(
		`INSERT INTO audit_events (timestamp, event_type, session_id, room_id, user_id, details_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, string(entry.EventType), entry.SessionID, entry.RoomID, entry.UserID, string(detailsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	_, err = al.db.Exec(
		`DELETE FROM audit_events WHERE id NOT IN (SELECT id FROM audit_events ORDER BY id DESC LIMIT ?)`,
		al.maxLen,
	)
	return err
}

func (al *AuditLog) LogEvent(eventType EventType, sessionID, roomID, userID string, details interface{}) error {
	return al.Log(Entry{
		Timestamp: time.Now(),
		EventType: eventType,
		SessionID: sessionID,
		RoomID:    roomID,
		UserID:    userID,
		Details:   details,
	})
}

type QueryParams struct {
	Limit     int
	EventType EventType
	SessionID string
	RoomID    string
	Since     time.Time
}

func (al *AuditLog) Query(params QueryParams) ([]Entry, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	query := "SELECT timestamp, event_type, session_id, room_id, user_id, details_json FROM audit_events WHERE 1=1"
	args := []interface{}{}

	if params.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(params.EventType))
	}
	if params.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, params.SessionID)
	}
	if params.RoomID != "" {
		query += " AND room_id = ?"
		args = append(args, params.RoomID)
	}
	if !params.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, params.Since)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, params.Limit)

	al.mu.Lock()
	defer al.mu.Unlock()

	rows, err := al.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		var entry Entry
		var eventType, detailsJSON string
		if err := rows.Scan(&entry.Timestamp, &eventType, &entry.SessionID, &entry.RoomID, &entry.UserID, &detailsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.EventType = EventType(eventType)
		if detailsJSON != "" {
			if err := json.Unmarshal([]byte(detailsJSON), &entry.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (al *AuditLog) Count() int {
	al.mu.Lock()
	defer al.mu.Unlock()

	var count int
	if err := al.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&count); err != nil {
		return 0
	}
	return count
}

func (al *AuditLog) Clear() error {
	al.mu.Lock()
	defer al.mu.Unlock()

	_, err := al.db.Exec("DELETE FROM audit_events")
	return err
}

func (al *AuditLog) ExportJSON() ([]byte, error) {
	entries, err := al.Query(QueryParams{Limit: 1000})
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}

func (al *AuditLog) ImportJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	if err := al.Clear(); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := al.Log(entry); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (al *AuditLog) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.db.Close()
}
