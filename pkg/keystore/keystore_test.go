// Package keystore tests for the encrypted keyring backend.
package keystore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKeystore(t *testing.T) *Keystore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	masterKey := make([]byte, 32)
	for i := range masterKey {
		masterKey[i] = byte(i)
	}

	ks, err := New(Config{DBPath: dbPath, MasterKey: masterKey})
	require.NoError(t, err)
	require.NoError(t, ks.Open())
	t.Cleanup(func() { ks.Close() })
	return ks
}

func TestKeystoreEncryptDecryptRoundTrip(t *testing.T) {
	ks := newTestKeystore(t)

	plaintext := []byte("an access token that should never be exposed")
	ciphertext, nonce, err := ks.encrypt(plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, ciphertext)
	require.NotEmpty(t, nonce)

	decrypted, err := ks.decrypt(ciphertext, nonce)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestKeystoreWriteReadDelete(t *testing.T) {
	ks := newTestKeystore(t)
	ctx := context.Background()

	require.NoError(t, ks.Write(ctx, "@alice:example.org", "syt_abc123"))

	got, err := ks.Read(ctx, "@alice:example.org")
	require.NoError(t, err)
	require.Equal(t, "syt_abc123", got)

	require.NoError(t, ks.Write(ctx, "@alice:example.org-Pickle", "pickle-key-material"))
	got, err = ks.Read(ctx, "@alice:example.org-Pickle")
	require.NoError(t, err)
	require.Equal(t, "pickle-key-material", got)

	require.NoError(t, ks.Delete(ctx, "@alice:example.org"))
	_, err = ks.Read(ctx, "@alice:example.org")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error (matches the keychain contract).
	require.NoError(t, ks.Delete(ctx, "@alice:example.org"))
}

func TestKeystoreOverwrite(t *testing.T) {
	ks := newTestKeystore(t)
	ctx := context.Background()

	require.NoError(t, ks.Write(ctx, "k", "v1"))
	require.NoError(t, ks.Write(ctx, "k", "v2"))

	got, err := ks.Read(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v2", got)
}
