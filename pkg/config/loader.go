package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Load loads configuration from path, or the first of ConfigPaths that
// exists when path is empty. A missing file falls back to DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		for _, p := range ConfigPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path == "" {
		log.Printf("matrixsdk: no configuration file found in default locations, using defaults")
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadOrDie loads configuration or exits the process on error.
func LoadOrDie(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// applyEnvOverrides applies MATRIXSDK_* environment variables over
// whatever the TOML file (or DefaultConfig) set, matching the `env` tags
// declared on Config's fields.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MATRIXSDK_KEYSTORE_DB"); v != "" {
		cfg.Keystore.DBPath = v
	}
	if v := os.Getenv("MATRIXSDK_MASTER_KEY"); v != "" {
		cfg.Keystore.MasterKey = v
	}

	if v := os.Getenv("MATRIXSDK_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("MATRIXSDK_CACHE_TYPE"); v != "" {
		cfg.Cache.Type = v
	}

	if v := os.Getenv("MATRIXSDK_PROXY_TYPE"); v != "" {
		cfg.Network.ProxyType = v
	}
	if v := os.Getenv("MATRIXSDK_PROXY_HOST"); v != "" {
		cfg.Network.ProxyHostName = v
	}
	if v := os.Getenv("MATRIXSDK_PROXY_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Network.ProxyPort = port
		}
	}

	if v := os.Getenv("MATRIXSDK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MATRIXSDK_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("MATRIXSDK_LOG_OUTPUT"); v != "" {
		cfg.Logging.Output = v
	}
	if v := os.Getenv("MATRIXSDK_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}

	return nil
}

// Save writes cfg to path as TOML, validating first and normalizing
// filesystem paths to forward slashes for cross-platform round-tripping.
func Save(cfg *Config, path string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("cannot save invalid configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfgCopy := *cfg
	cfgCopy.Keystore.DBPath = filepath.ToSlash(cfg.Keystore.DBPath)
	cfgCopy.Cache.Dir = filepath.ToSlash(cfg.Cache.Dir)

	data, err := toml.Marshal(&cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateExampleConfig writes a config file populated with placeholder
// account settings, a starting point for `mxclient init`.
func GenerateExampleConfig(path string) error {
	cfg := DefaultConfig()
	cfg.Accounts["@alice:example.org"] = AccountConfig{
		Homeserver:   "https://matrix.example.org",
		DeviceID:     "EXAMPLEDEVICE",
		KeepLoggedIn: true,
	}
	return Save(cfg, path)
}
