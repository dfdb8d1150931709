// Package persistence implements the durable-state half of the
// persistence contract: the keyring backend that stands in
// for the OS keychain, and the JSON/CBOR state-cache file format that
// survives process restarts.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/armorclaw/matrixsdk/pkg/keystore"
)

// KeyringBackend is the narrow contract Connection needs from the
// OS-keychain stand-in: read/write/delete by opaque string key. Two keys
// per account are used — the user ID itself (the access token) and
// "<userId>-Pickle" (the Olm pickling key).
type KeyringBackend interface {
	Read(ctx context.Context, key string) (string, error)
	Write(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KeystoreBackend adapts *keystore.Keystore to KeyringBackend.
type KeystoreBackend struct {
	ks *keystore.Keystore
}

func NewKeystoreBackend(ks *keystore.Keystore) *KeystoreBackend {
	return &KeystoreBackend{ks: ks}
}

func (b *KeystoreBackend) Read(ctx context.Context, key string) (string, error) {
	return b.ks.Read(ctx, key)
}

func (b *KeystoreBackend) Write(ctx context.Context, key, value string) error {
	return b.ks.Write(ctx, key, value)
}

func (b *KeystoreBackend) Delete(ctx context.Context, key string) error {
	return b.ks.Delete(ctx, key)
}

func pickleKeyName(userID string) string { return userID + "-Pickle" }

// ReadAccessToken reads the access token keyed by the Matrix user
// identifier. A missing entry is reported as keystore.ErrNotFound.
func ReadAccessToken(ctx context.Context, backend KeyringBackend, userID string) (string, error) {
	return backend.Read(ctx, userID)
}

// WriteAccessToken persists the access token under the user identifier.
// Read/write failures are surfaced to the caller's logger; they are not
// treated as fatal by this function.
func WriteAccessToken(ctx context.Context, backend KeyringBackend, userID, token string) error {
	return backend.Write(ctx, userID, token)
}

// DeleteAccessToken removes the access token entry. Per the persistence
// contract, "not found" is not an error here.
func DeleteAccessToken(ctx context.Context, backend KeyringBackend, userID string) error {
	err := backend.Delete(ctx, userID)
	if errors.Is(err, keystore.ErrNotFound) {
		return nil
	}
	return err
}

// ReadOrCreatePickleKey reads the Olm pickling key for userID, generating and
// persisting a new random one if absent.
func ReadOrCreatePickleKey(ctx context.Context, backend KeyringBackend, userID string, generate func() (string, error)) (string, error) {
	key := pickleKeyName(userID)
	existing, err := backend.Read(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		return "", fmt.Errorf("persistence: reading pickle key: %w", err)
	}
	fresh, err := generate()
	if err != nil {
		return "", fmt.Errorf("persistence: generating pickle key: %w", err)
	}
	if err := backend.Write(ctx, key, fresh); err != nil {
		return "", fmt.Errorf("persistence: persisting pickle key: %w", err)
	}
	return fresh, nil
}

// DeletePickleKey removes the pickle-key entry for userID. Like
// DeleteAccessToken, "not found" is treated as success.
func DeletePickleKey(ctx context.Context, backend KeyringBackend, userID string) error {
	err := backend.Delete(ctx, pickleKeyName(userID))
	if errors.Is(err, keystore.ErrNotFound) {
		return nil
	}
	return err
}
