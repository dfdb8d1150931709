package e2ee

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// Store is the E2EE database contract: SQL tables for Olm sessions,
// inbound/outbound megolm sessions, tracked devices (including the
// verified flag), and cross-signing keys, plus the join query used for
// verification checks: megolm session -> Olm session -> sender Curve25519
// key -> (matrix_id, device_id, verified).
type Store interface {
	SaveAccountPickle(ctx context.Context, pickle string) error
	LoadAccountPickle(ctx context.Context) (string, bool, error)

	SaveOlmSession(ctx context.Context, identityKey, sessionID, pickle string) error
	LoadOlmSessions(ctx context.Context, identityKey string) (map[string]string, error)

	SaveInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID, pickle string) error
	LoadInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (string, error)
	HasInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) bool

	SaveOutboundGroupSession(ctx context.Context, roomID, pickle string) error
	LoadOutboundGroupSession(ctx context.Context, roomID string) (string, bool, error)

	UpsertDevice(ctx context.Context, userID, deviceID, curve25519Key, ed25519Key string, verified bool) error
	SetDeviceVerified(ctx context.Context, userID, deviceID string, verified bool) error
	DeviceBySenderKey(ctx context.Context, curve25519Key string) (userID, deviceID string, verified bool, err error)

	SaveCrossSigningKeys(ctx context.Context, userID, masterKey, selfSigningKey, userSigningKey string) error

	Close() error
}

// SQLStore is the SQLCipher-backed implementation, sharing its database
// file with pkg/keystore so the whole account's secrets live behind one
// hardware-derived key.
type SQLStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLStore opens (or reuses) a SQLCipher database at dbPath. The
// caller is responsible for having set the PRAGMA key via the same DSN
// convention used by pkg/keystore.
func NewSQLStore(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("e2ee: opening store: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("e2ee: initializing schema: %w", err)
	}
	return s, nil
}

// NewSQLStoreWithDB wraps an already-opened *sql.DB, for sharing the
// connection the keystore opened.
func NewSQLStoreWithDB(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("e2ee: initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS olm_account (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pickle TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS olm_sessions (
		identity_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		pickle TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (identity_key, session_id)
	);

	CREATE TABLE IF NOT EXISTS inbound_group_sessions (
		room_id TEXT NOT NULL,
		sender_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		pickle TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, sender_key, session_id)
	);

	CREATE TABLE IF NOT EXISTS outbound_group_sessions (
		room_id TEXT PRIMARY KEY,
		pickle TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS devices (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		curve25519_key TEXT,
		ed25519_key TEXT,
		verified INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, device_id)
	);

	CREATE INDEX IF NOT EXISTS idx_devices_curve25519 ON devices(curve25519_key);

	CREATE TABLE IF NOT EXISTS cross_signing_keys (
		user_id TEXT PRIMARY KEY,
		master_key TEXT,
		self_signing_key TEXT,
		user_signing_key TEXT
	);
	`)
	return err
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLStore) SaveAccountPickle(ctx context.Context, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO olm_account (id, pickle) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET pickle = excluded.pickle
	`, pickle)
	return err
}

func (s *SQLStore) LoadAccountPickle(ctx context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pickle string
	err := s.db.QueryRowContext(ctx, `SELECT pickle FROM olm_account WHERE id = 1`).Scan(&pickle)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pickle, true, nil
}

func (s *SQLStore) SaveOlmSession(ctx context.Context, identityKey, sessionID, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO olm_sessions (identity_key, session_id, pickle, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identity_key, session_id) DO UPDATE SET
			pickle = excluded.pickle, updated_at = CURRENT_TIMESTAMP
	`, identityKey, sessionID, pickle)
	return err
}

func (s *SQLStore) LoadOlmSessions(ctx context.Context, identityKey string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, pickle FROM olm_sessions WHERE identity_key = ? ORDER BY updated_at DESC
	`, identityKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, pickle string
		if err := rows.Scan(&id, &pickle); err != nil {
			return nil, err
		}
		out[id] = pickle
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_group_sessions (room_id, sender_key, session_id, pickle, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id, sender_key, session_id) DO UPDATE SET
			pickle = excluded.pickle, updated_at = CURRENT_TIMESTAMP
	`, roomID, senderKey, sessionID, pickle)
	return err
}

func (s *SQLStore) LoadInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pickle string
	err := s.db.QueryRowContext(ctx, `
		SELECT pickle FROM inbound_group_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?
	`, roomID, senderKey, sessionID).Scan(&pickle)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("e2ee: %w", ErrSessionNotFound)
	}
	return pickle, err
}

func (s *SQLStore) HasInboundGroupSession(ctx context.Context, roomID, senderKey, sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM inbound_group_sessions WHERE room_id = ? AND sender_key = ? AND session_id = ?
	`, roomID, senderKey, sessionID).Scan(&count)
	return err == nil && count > 0
}

func (s *SQLStore) SaveOutboundGroupSession(ctx context.Context, roomID, pickle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_group_sessions (room_id, pickle, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room_id) DO UPDATE SET pickle = excluded.pickle, updated_at = CURRENT_TIMESTAMP
	`, roomID, pickle)
	return err
}

func (s *SQLStore) LoadOutboundGroupSession(ctx context.Context, roomID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pickle string
	err := s.db.QueryRowContext(ctx, `SELECT pickle FROM outbound_group_sessions WHERE room_id = ?`, roomID).Scan(&pickle)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return pickle, true, nil
}

func (s *SQLStore) UpsertDevice(ctx context.Context, userID, deviceID, curve25519Key, ed25519Key string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (user_id, device_id, curve25519_key, ed25519_key, verified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, device_id) DO UPDATE SET
			curve25519_key = excluded.curve25519_key,
			ed25519_key = excluded.ed25519_key
	`, userID, deviceID, curve25519Key, ed25519Key, boolToInt(verified))
	return err
}

func (s *SQLStore) SetDeviceVerified(ctx context.Context, userID, deviceID string, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET verified = ? WHERE user_id = ? AND device_id = ?
	`, boolToInt(verified), userID, deviceID)
	return err
}

// DeviceBySenderKey implements the verification-check join: megolm session
// -> Olm session -> sender Curve25519 key -> (matrix_id, device_id,
// verified). Callers resolve the sender key from the Olm session first,
// then call this to resolve identity and trust.
func (s *SQLStore) DeviceBySenderKey(ctx context.Context, curve25519Key string) (userID, deviceID string, verified bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var verifiedInt int
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, verified FROM devices WHERE curve25519_key = ?
	`, curve25519Key)
	if scanErr := row.Scan(&userID, &deviceID, &verifiedInt); scanErr != nil {
		return "", "", false, scanErr
	}
	return userID, deviceID, verifiedInt != 0, nil
}

func (s *SQLStore) SaveCrossSigningKeys(ctx context.Context, userID, masterKey, selfSigningKey, userSigningKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cross_signing_keys (user_id, master_key, self_signing_key, user_signing_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			master_key = excluded.master_key,
			self_signing_key = excluded.self_signing_key,
			user_signing_key = excluded.user_signing_key
	`, userID, masterKey, selfSigningKey, userSigningKey)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
