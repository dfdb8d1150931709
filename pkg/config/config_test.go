package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Keystore.DBPath == "" {
		t.Error("Keystore.DBPath should not be empty")
	}
	if cfg.Cache.Dir == "" {
		t.Error("Cache.Dir should not be empty")
	}
	if cfg.Cache.Type != "json" {
		t.Errorf("Cache.Type should default to json, got %s", cfg.Cache.Type)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level should default to info, got %s", cfg.Logging.Level)
	}
	if cfg.Accounts == nil {
		t.Error("Accounts should be initialized")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keystore.DBPath = t.TempDir() + "/keystore.db"
	cfg.Cache.Dir = t.TempDir()

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config with writable dirs should validate, got: %v", err)
	}

	cfg.Cache.Type = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for unsupported cache_type")
	}

	cfg.Cache.Type = "json"
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for invalid log level")
	}
}

func TestValidateRequiresAccountHomeserver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keystore.DBPath = t.TempDir() + "/keystore.db"
	cfg.Cache.Dir = t.TempDir()
	cfg.Accounts["@alice:example.org"] = AccountConfig{DeviceID: "DEVICE1"}

	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for account missing homeserver")
	}
}

func TestToKeystoreConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Keystore.DBPath = "/tmp/example.db"
	cfg.Keystore.MasterKey = "deadbeef"

	ksCfg := cfg.ToKeystoreConfig()
	if ksCfg.DBPath != cfg.Keystore.DBPath {
		t.Errorf("DBPath not copied correctly: got %s", ksCfg.DBPath)
	}
	if string(ksCfg.MasterKey) != cfg.Keystore.MasterKey {
		t.Error("MasterKey not copied correctly")
	}
}

func TestAccountCachePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cache.Dir = "/var/lib/matrixsdk/cache"

	got := cfg.AccountCachePath("@alice:example.org")
	want := "/var/lib/matrixsdk/cache/@alice_example.org"
	if got != want {
		t.Errorf("AccountCachePath = %s, want %s", got, want)
	}
}

func TestUsesBinaryCache(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.UsesBinaryCache() {
		t.Error("default cache type json should not report binary")
	}
	cfg.Cache.Type = "binary"
	if !cfg.UsesBinaryCache() {
		t.Error("cache type binary should report UsesBinaryCache true")
	}
}
