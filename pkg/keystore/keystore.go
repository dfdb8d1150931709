// Package keystore provides an encrypted, hardware-bound credential store
// using SQLCipher. It stands in for the platform keychain described in the
// SDK's persistence contract: callers address entries by a single string
// key (a Matrix user ID, or "<userId>-Pickle") and get back opaque bytes.
//
// Zero-Touch Reboot Strategy:
//   - Entropy collected from machine-specific markers (machine-id, DMI UUID, MAC)
//   - Key derived via PBKDF2-HMAC-SHA512 with a persisted salt
//   - No password required on reboot
//   - Database is useless if copied to a different machine
package keystore

import (
	"bufio"
	"context"
	cryptorand "crypto/rand"
	"crypto/sha512"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/armorclaw/matrixsdk/pkg/audit"
	_ "github.com/mutecomm/go-sqlcipher/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength       = 32
	pbkdf2Iterations = 256000
	keyLength        = 32

	cipherPageSize     = 4096
	cipherKdfIter      = 256000
	cipherHmacAlg      = "HMAC_SHA512"
	cipherKdfAlgorithm = "PBKDF2_HMAC_SHA512"
)

var (
	// ErrNotFound is returned when a keyring entry does not exist. Per the
	// persistence contract, callers treat this as non-fatal on delete.
	ErrNotFound       = errors.New("keystore: entry not found")
	ErrDatabaseLocked = errors.New("keystore: database is locked")
)

// Keystore is a SQLCipher-encrypted key/value store keyed by an opaque
// string (a Matrix user ID or a "<userId>-Pickle" pickle-key slot).
type Keystore struct {
	db          *sql.DB
	dbPath      string
	mu          sync.RWMutex
	masterKey   []byte
	salt        []byte
	isOpen      bool
	auditLogger *audit.CriticalOperationLogger
}

// Config holds keystore configuration.
type Config struct {
	DBPath    string // path to the SQLite/SQLCipher database file
	MasterKey []byte // optional explicit master key; derived from hardware if nil
}

// New creates a new Keystore instance. Open must be called before use.
func New(cfg Config) (*Keystore, error) {
	if cfg.DBPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DBPath = filepath.Join(homeDir, ".armorclaw", "keystore.db")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	ks := &Keystore{dbPath: cfg.DBPath}

	if err := ks.loadOrGenerateSalt(); err != nil {
		return nil, fmt.Errorf("failed to initialize salt: %w", err)
	}

	if cfg.MasterKey == nil {
		var err error
		cfg.MasterKey, err = ks.deriveHardwareKey()
		if err != nil {
			return nil, fmt.Errorf("failed to derive hardware key: %w", err)
		}
	}
	ks.masterKey = cfg.MasterKey

	return ks, nil
}

// loadOrGenerateSalt loads an existing salt or generates a new one. The
// salt persists across reboots to enable zero-touch operation.
func (ks *Keystore) loadOrGenerateSalt() error {
	saltPath := ks.dbPath + ".salt"

	if data, err := os.ReadFile(saltPath); err == nil {
		if salt, err := base64.StdEncoding.DecodeString(string(data)); err == nil && len(salt) == saltLength {
			ks.salt = salt
			return nil
		}
	}

	ks.salt = make([]byte, saltLength)
	if _, err := io.ReadFull(cryptorand.Reader, ks.salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	return os.WriteFile(saltPath, []byte(base64.StdEncoding.EncodeToString(ks.salt)), 0600)
}

// deriveHardwareKey derives a master key from hardware-specific entropy.
// This binds the database to the machine it was created on.
func (ks *Keystore) deriveHardwareKey() ([]byte, error) {
	entropy := ks.collectEntropy()
	return pbkdf2.Key(entropy, ks.salt, pbkdf2Iterations, keyLength, sha512.New), nil
}

func (ks *Keystore) collectEntropy() []byte {
	var parts []string

	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		parts = append(parts, strings.TrimSpace(string(id)))
	}
	if uuid, err := ks.readDMIProductUUID(); err == nil && uuid != "" {
		parts = append(parts, uuid)
	}
	if mac, err := ks.getPrimaryMAC(); err == nil && mac != "" {
		parts = append(parts, mac)
	}
	if hostname, err := os.Hostname(); err == nil {
		parts = append(parts, hostname)
	}
	parts = append(parts, runtime.GOOS, runtime.GOARCH)
	if cpuInfo, err := ks.getCPUInfo(); err == nil && cpuInfo != "" {
		parts = append(parts, cpuInfo)
	}

	return []byte(strings.Join(parts, ":"))
}

func (ks *Keystore) readDMIProductUUID() (string, error) {
	if data, err := os.ReadFile("/sys/class/dmi/id/product_uuid"); err == nil {
		uuid := strings.TrimSpace(string(data))
		if uuid != "" && uuid != "Not Settable" && uuid != "Not Present" {
			return uuid, nil
		}
	}
	if _, err := exec.LookPath("dmidecode"); err == nil {
		out, err := exec.Command("dmidecode", "-s", "system-uuid").Output()
		if err == nil {
			uuid := strings.TrimSpace(string(out))
			if uuid != "" {
				return uuid, nil
			}
		}
	}
	return "", errors.New("could not read DMI product UUID")
}

func (ks *Keystore) getPrimaryMAC() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr.String(), nil
		}
	}
	return "", errors.New("no suitable network interface found")
}

func (ks *Keystore) getCPUInfo() (string, error) {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	var fields []string
	for scanner.Scan() && len(fields) < 3 {
		line := scanner.Text()
		if strings.Contains(line, "model name") || strings.Contains(line, "vendor_id") {
			fields = append(fields, strings.TrimSpace(line))
		}
	}
	if len(fields) == 0 {
		return "", errors.New("could not read CPU info")
	}
	return strings.Join(fields, ","), nil
}

// SetAuditLogger attaches an audit logger used to record writes and deletes
// of sensitive entries (access tokens, pickle keys).
func (ks *Keystore) SetAuditLogger(logger *audit.CriticalOperationLogger) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.auditLogger = logger
}

// Open opens and initializes the SQLCipher-encrypted database.
func (ks *Keystore) Open() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if ks.isOpen {
		return nil
	}

	keyHex := hex.EncodeToString(ks.masterKey)
	dsn := fmt.Sprintf(
		"file:%s?_pragma_key=x'%s'&_pragma_cipher_page_size=%d&_pragma_kdf_iter=%d&_pragma_cipher_hmac_algorithm=%s&_pragma_cipher_kdf_algorithm=%s&_foreign_keys=ON",
		ks.dbPath, keyHex, cipherPageSize, cipherKdfIter, cipherHmacAlg, cipherKdfAlgorithm,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := ks.initSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	ks.db = db
	ks.isOpen = true
	return nil
}

func (ks *Keystore) initSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value_encrypted BLOB NOT NULL,
		nonce BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`)
	return err
}

// Close closes the database connection.
func (ks *Keystore) Close() error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.db == nil {
		return nil
	}
	err := ks.db.Close()
	ks.isOpen = false
	return err
}

// GetDB exposes the underlying connection so other SQLCipher-backed stores
// (e.g. pkg/e2ee's session store) can share one encrypted database file.
func (ks *Keystore) GetDB() *sql.DB { return ks.db }

// Write stores value under key in a single attempt. Callers that want soft
// I/O errors retried use WriteWithRetry, which makes up to maxAttempts.
func (ks *Keystore) Write(ctx context.Context, key, value string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	encrypted, nonce, err := ks.encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("keystore encrypt: %w", err)
	}

	_, err = ks.db.ExecContext(ctx, `
		INSERT INTO secrets (key, value_encrypted, nonce, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_encrypted = excluded.value_encrypted,
			nonce = excluded.nonce, updated_at = excluded.updated_at
	`, key, encrypted, nonce, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("keystore write %q: %w", key, err)
	}

	if ks.auditLogger != nil {
		ks.auditLogger.LogWrite(key)
	}
	return nil
}

// Read retrieves the value stored under key. Returns ErrNotFound if absent.
func (ks *Keystore) Read(ctx context.Context, key string) (string, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	var encrypted, nonce []byte
	err := ks.db.QueryRowContext(ctx, `SELECT value_encrypted, nonce FROM secrets WHERE key = ?`, key).
		Scan(&encrypted, &nonce)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keystore read %q: %w", key, err)
	}

	plaintext, err := ks.decrypt(encrypted, nonce)
	if err != nil {
		return "", fmt.Errorf("keystore decrypt %q: %w", key, err)
	}
	return string(plaintext), nil
}

// Delete removes the entry stored under key. Deleting an absent key is not
// an error — the persistence contract treats "not found" as success.
func (ks *Keystore) Delete(ctx context.Context, key string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	_, err := ks.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("keystore delete %q: %w", key, err)
	}
	if ks.auditLogger != nil {
		ks.auditLogger.LogDelete(key)
	}
	return nil
}

func (ks *Keystore) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	aead, err := chacha20poly1305.New(ks.masterKey)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(cryptorand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (ks *Keystore) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(ks.masterKey)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// WriteWithRetry retries a soft (lock/busy) write failure a bounded number
// of times before surfacing it, per the persistence contract's "read/write
// failure is surfaced to logs; non-fatal" guidance.
func (ks *Keystore) WriteWithRetry(ctx context.Context, key, value string, maxAttempts int) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ks.Write(ctx, key, value); err == nil {
			return nil
		} else if !isRetryableError(err) {
			return err
		} else {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
		}
	}
	return fmt.Errorf("keystore write failed after %d attempts: %w", maxAttempts, lastErr)
}
