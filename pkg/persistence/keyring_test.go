package persistence

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/armorclaw/matrixsdk/pkg/keystore"
)

// memBackend is a minimal in-memory KeyringBackend fake, standing in for
// keystore.Keystore without touching a database.
type memBackend struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string]string)} }

func (b *memBackend) Read(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return "", keystore.ErrNotFound
	}
	return v, nil
}

func (b *memBackend) Write(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *memBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return keystore.ErrNotFound
	}
	delete(b.data, key)
	return nil
}

func TestWriteAndReadAccessToken(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()

	require.NoError(t, WriteAccessToken(ctx, backend, "@alice:example.org", "tok-1"))
	tok, err := ReadAccessToken(ctx, backend, "@alice:example.org")
	require.NoError(t, err)
	require.Equal(t, "tok-1", tok)
}

func TestDeleteAccessTokenMissingIsNotError(t *testing.T) {
	backend := newMemBackend()
	require.NoError(t, DeleteAccessToken(context.Background(), backend, "@nobody:example.org"))
}

func TestReadOrCreatePickleKeyGeneratesOnce(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	calls := 0
	generate := func() (string, error) {
		calls++
		return "generated-key", nil
	}

	key, err := ReadOrCreatePickleKey(ctx, backend, "@alice:example.org", generate)
	require.NoError(t, err)
	require.Equal(t, "generated-key", key)
	require.Equal(t, 1, calls)

	key2, err := ReadOrCreatePickleKey(ctx, backend, "@alice:example.org", generate)
	require.NoError(t, err)
	require.Equal(t, "generated-key", key2)
	require.Equal(t, 1, calls, "second call should reuse the persisted key without generating again")
}

func TestDeletePickleKeyMissingIsNotError(t *testing.T) {
	backend := newMemBackend()
	require.NoError(t, DeletePickleKey(context.Background(), backend, "@nobody:example.org"))
}

func TestDeletePickleKeyRemovesExisting(t *testing.T) {
	backend := newMemBackend()
	ctx := context.Background()
	_, err := ReadOrCreatePickleKey(ctx, backend, "@alice:example.org", func() (string, error) { return "k", nil })
	require.NoError(t, err)

	require.NoError(t, DeletePickleKey(ctx, backend, "@alice:example.org"))

	calls := 0
	_, err = ReadOrCreatePickleKey(ctx, backend, "@alice:example.org", func() (string, error) {
		calls++
		return "k2", nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls, "key should regenerate after deletion")
}
