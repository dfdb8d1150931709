// Package config provides configuration management for the Matrix client
// SDK. Supports TOML configuration files with environment variable
// overrides, mirroring the settings keys a libQuotient-style client reads:
// proxy settings, cache format, and per-account login state.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/armorclaw/matrixsdk/pkg/keystore"
)

// Helper function to validate directory exists or can be created
func validateDirectoryWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return fmt.Errorf("cannot create directory: %w", err)
			}
			return nil
		}
		return fmt.Errorf("cannot access directory: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("not a directory")
	}

	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to directory: %w", err)
	}
	f.Close()
	os.Remove(testFile)

	return nil
}

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingValue  = errors.New("missing required configuration value")
)

// Config holds all SDK configuration: where the keyring and state cache
// live, per-account login settings, the proxy, and logging.
type Config struct {
	// Keystore configuration
	Keystore KeystoreConfig `toml:"keystore"`

	// Cache holds state-cache format and directory settings.
	Cache CacheConfig `toml:"cache"`

	// Network holds the HTTP proxy settings (Network/proxyType etc).
	Network NetworkConfig `toml:"network"`

	// Accounts lists per-account login settings keyed by Matrix user ID.
	Accounts map[string]AccountConfig `toml:"accounts"`

	// Logging configuration
	Logging LoggingConfig `toml:"logging"`
}

// KeystoreConfig holds keystore-specific configuration
type KeystoreConfig struct {
	// DBPath is the path to the encrypted keystore database holding
	// access tokens (keyed by user ID) and Olm pickle keys (keyed by
	// "<userId>-Pickle").
	DBPath string `toml:"db_path" env:"MATRIXSDK_KEYSTORE_DB"`

	// MasterKey is an optional explicit master key, used as the raw bytes
	// of the string; if empty the key is derived from hardware entropy.
	MasterKey string `toml:"master_key" env:"MATRIXSDK_MASTER_KEY"`
}

// CacheConfig controls the on-disk state cache format.
type CacheConfig struct {
	// Dir is the base directory state caches are written under; a
	// per-account subdirectory named after the escaped user ID holds
	// <roomId>.json files alongside the top-level cache blob.
	Dir string `toml:"dir" env:"MATRIXSDK_CACHE_DIR"`

	// Type selects the cache serialization: "json" or "binary" (CBOR).
	// Mirrors the libQuotient/cache_type setting.
	Type string `toml:"cache_type" env:"MATRIXSDK_CACHE_TYPE"`
}

// NetworkConfig holds the HTTP proxy settings (Network/proxyType,
// proxyHostName, proxyPort).
type NetworkConfig struct {
	ProxyType     string `toml:"proxy_type" env:"MATRIXSDK_PROXY_TYPE"`
	ProxyHostName string `toml:"proxy_host_name" env:"MATRIXSDK_PROXY_HOST"`
	ProxyPort     int    `toml:"proxy_port" env:"MATRIXSDK_PROXY_PORT"`
}

// AccountConfig holds per-account settings persisted under
// Accounts/<userId>/... in the original settings layout.
type AccountConfig struct {
	Homeserver    string `toml:"homeserver"`
	DeviceID      string `toml:"device_id"`
	KeepLoggedIn  bool   `toml:"keep_logged_in"`
}

// LoggingConfig holds logging-specific configuration
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `toml:"level" env:"MATRIXSDK_LOG_LEVEL"`

	// Format is the log format (json, text)
	Format string `toml:"format" env:"MATRIXSDK_LOG_FORMAT"`

	// Output is the log output (stdout, stderr, or file path)
	Output string `toml:"output" env:"MATRIXSDK_LOG_OUTPUT"`

	// File is the log file path when output is "file"
	File string `toml:"file" env:"MATRIXSDK_LOG_FILE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Keystore: KeystoreConfig{
			DBPath:    filepath.Join(homeDir, ".matrixsdk", "keystore.db"),
			MasterKey: "",
		},
		Cache: CacheConfig{
			Dir:  filepath.Join(homeDir, ".matrixsdk", "cache"),
			Type: "json",
		},
		Network: NetworkConfig{},
		Accounts: map[string]AccountConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
			File:   "",
		},
	}
}

// ConfigPaths returns the list of default configuration file paths to check
func ConfigPaths() []string {
	homeDir, _ := os.UserHomeDir()
	return []string{
		filepath.Join(homeDir, ".matrixsdk", "config.toml"),
		filepath.Join("/etc", "matrixsdk", "config.toml"),
		"./config.toml",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Keystore.DBPath == "" {
		return fmt.Errorf("%w: keystore.db_path is required", ErrInvalidConfig)
	}

	keystoreDir := filepath.Dir(c.Keystore.DBPath)
	if err := validateDirectoryWritable(keystoreDir); err != nil {
		return fmt.Errorf("%w: keystore directory %s: %w", ErrInvalidConfig, keystoreDir, err)
	}

	if c.Cache.Dir == "" {
		return fmt.Errorf("%w: cache.dir is required", ErrInvalidConfig)
	}
	if err := validateDirectoryWritable(c.Cache.Dir); err != nil {
		return fmt.Errorf("%w: cache directory %s: %w", ErrInvalidConfig, c.Cache.Dir, err)
	}

	validCacheTypes := map[string]bool{"json": true, "binary": true}
	if !validCacheTypes[c.Cache.Type] {
		return fmt.Errorf("%w: cache.cache_type must be one of: json, binary", ErrInvalidConfig)
	}

	for userID, acct := range c.Accounts {
		if acct.Homeserver == "" {
			return fmt.Errorf("%w: accounts[%s].homeserver is required", ErrInvalidConfig, userID)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("%w: logging.level must be one of: debug, info, warn, error", ErrInvalidConfig)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("%w: logging.format must be one of: json, text", ErrInvalidConfig)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("%w: logging.output must be one of: stdout, stderr, file", ErrInvalidConfig)
	}

	if c.Logging.Output == "file" && c.Logging.File == "" {
		return fmt.Errorf("%w: logging.file is required when logging.output is 'file'", ErrInvalidConfig)
	}

	return nil
}

// ToKeystoreConfig converts the Config to keystore.Config
func (c *Config) ToKeystoreConfig() keystore.Config {
	cfg := keystore.Config{
		DBPath: c.Keystore.DBPath,
	}

	if c.Keystore.MasterKey != "" {
		cfg.MasterKey = []byte(c.Keystore.MasterKey)
	}

	return cfg
}

// AccountCachePath returns the per-account state cache directory:
// <cache.dir>/<safeUserId> where safeUserId replaces ':' with '_'.
func (c *Config) AccountCachePath(userID string) string {
	safe := make([]byte, 0, len(userID))
	for i := 0; i < len(userID); i++ {
		if userID[i] == ':' {
			safe = append(safe, '_')
		} else {
			safe = append(safe, userID[i])
		}
	}
	return filepath.Join(c.Cache.Dir, string(safe))
}

// UsesBinaryCache reports whether the configured cache type selects CBOR
// encoding instead of JSON.
func (c *Config) UsesBinaryCache() bool {
	return c.Cache.Type == "binary"
}

// Account returns the persisted settings for a user ID, and whether any
// were found.
func (c *Config) Account(userID string) (AccountConfig, bool) {
	acct, ok := c.Accounts[userID]
	return acct, ok
}

// SyncTimeout is the long-poll timeout the sync pipeline requests from the
// homeserver on every /sync call.
func (c *Config) SyncTimeout() time.Duration {
	return 30 * time.Second
}
