package secret

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

// memKeyring is an in-memory keychain so tests never touch the OS keyring.
type memKeyring struct {
	mu      sync.Mutex
	entries map[string]string
	setErr  error
}

func newMemKeyring() *memKeyring {
	return &memKeyring{entries: make(map[string]string)}
}

func (m *memKeyring) Set(service, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[service+"\x00"+key] = value
	return nil
}

func (m *memKeyring) Get(service, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[service+"\x00"+key]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return value, nil
}

func (m *memKeyring) Delete(service, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[service+"\x00"+key]; !ok {
		return keyring.ErrNotFound
	}
	delete(m.entries, service+"\x00"+key)
	return nil
}

func newTestStore(t *testing.T) (*KeyringStore, *memKeyring) {
	t.Helper()
	backend := newMemKeyring()
	return newKeyringStore(ServiceName, backend, zap.NewNop()), backend
}

func TestKeyringStoreRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set("github-client-secret", "s3cr3t"))
	require.NoError(t, store.Set("jira-token", "tok"))

	value, err := store.Get("github-client-secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", value)

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"github-client-secret", "jira-token"}, names)

	require.NoError(t, store.Delete("github-client-secret"))

	_, err = store.Get("github-client-secret")
	require.ErrorIs(t, err, ErrNotFound)

	names, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"jira-token"}, names)
}

func TestKeyringStoreOverwriteKeepsOneRegistryEntry(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Set("name", "one"))
	require.NoError(t, store.Set("name", "two"))

	value, err := store.Get("name")
	require.NoError(t, err)
	assert.Equal(t, "two", value)

	names, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, names)
}

func TestKeyringStoreListEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	names, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestKeyringStoreDeleteMissing(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Delete("never-stored")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKeyringStoreDeleteLastSecretClearsRegistry(t *testing.T) {
	store, backend := newTestStore(t)

	require.NoError(t, store.Set("only", "v"))
	require.NoError(t, store.Delete("only"))

	_, err := backend.Get(ServiceName, registryKey)
	require.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestKeyringStoreRejectsBadNames(t *testing.T) {
	store, _ := newTestStore(t)

	for _, name := range []string{"", "_reserved", "has space", "has\nnewline", "-leads-dash"} {
		assert.Error(t, store.Set(name, "v"), "name %q", name)
	}

	require.NoError(t, store.Set("Valid_name-1.0", "v"))
}

func TestKeyringStoreIsAvailable(t *testing.T) {
	store, backend := newTestStore(t)
	assert.True(t, store.IsAvailable())

	// The probe must not leave an entry behind.
	_, err := backend.Get(ServiceName, probeKey)
	require.ErrorIs(t, err, keyring.ErrNotFound)

	backend.setErr = errors.New("no keychain daemon")
	assert.False(t, store.IsAvailable())
}
