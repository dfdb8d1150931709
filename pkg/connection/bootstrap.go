package connection

import (
	"fmt"

	"github.com/armorclaw/matrixsdk/pkg/audit"
	"github.com/armorclaw/matrixsdk/pkg/config"
	"github.com/armorclaw/matrixsdk/pkg/keystore"
	"github.com/armorclaw/matrixsdk/pkg/persistence"
)

// OptionsFromConfig assembles the Keyring/CachePaths/CacheFormat fields of
// Options from a loaded on-disk Config, for embedders that don't want to
// wire the keystore and cache paths by hand. Runner, RoomFactory, and the
// E2EE fields are still the caller's responsibility: they depend on
// per-process choices (HTTP client, rate limits, Olm backend) a Config
// file has no business making.
func OptionsFromConfig(cfg *config.Config, userID string) (Options, error) {
	if err := cfg.Validate(); err != nil {
		return Options{}, fmt.Errorf("connection: invalid config: %w", err)
	}

	ks, err := keystore.New(cfg.ToKeystoreConfig())
	if err != nil {
		return Options{}, fmt.Errorf("connection: opening keystore: %w", err)
	}
	if err := ks.Open(); err != nil {
		return Options{}, fmt.Errorf("connection: opening keystore database: %w", err)
	}
	ks.SetAuditLogger(audit.Global())

	format := persistence.FormatJSON
	if cfg.UsesBinaryCache() {
		format = persistence.FormatBinary
	}

	opts := Options{
		Keyring:       persistence.NewKeystoreBackend(ks),
		CachePaths:    persistence.CachePaths{Dir: cfg.Cache.Dir, UserID: userID},
		CacheFormat:   format,
		SyncTimeoutMs: int(cfg.SyncTimeout().Milliseconds()),
	}
	return opts, nil
}
