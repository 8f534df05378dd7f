package oauth

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileBackendRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	fb := &fileBackend{dir: dir}

	payload := []byte(`{"access_token":"tok-1"}`)
	require.NoError(t, fb.save("github", payload))

	got, err := fb.load("github")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	if runtime.GOOS != "windows" {
		dirInfo, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o700), dirInfo.Mode().Perm())

		fileInfo, err := os.Stat(filepath.Join(dir, "github.token"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), fileInfo.Mode().Perm())
	}

	require.NoError(t, fb.remove("github"))
	_, err = fb.load("github")
	require.Error(t, err)
	require.NoError(t, fb.remove("github"), "removing an absent record is not an error")
}

func TestFileBackendSealsAtRest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	fb := &fileBackend{dir: dir}

	secret := "super-secret-access-token-value"
	require.NoError(t, fb.save("github", []byte(`{"access_token":"`+secret+`"}`)))

	raw, err := os.ReadFile(filepath.Join(dir, "github.token"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), secret, "records are encrypted on disk")
}

func TestFileBackendKeyMaterialSurvivesRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")

	first := &fileBackend{dir: dir}
	require.NoError(t, first.save("github", []byte("payload")))

	// A new backend instance over the same directory reuses the key file.
	second := &fileBackend{dir: dir}
	got, err := second.load("github")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestPersistentStoreRoundTrip(t *testing.T) {
	backend := &fileBackend{dir: filepath.Join(t.TempDir(), "tokens")}

	s1 := newPersistentTokenStore("github", backend, zap.NewNop())
	require.NoError(t, s1.Store(&TokenRecord{
		AccessToken:  "tok-1",
		TokenType:    "Bearer",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
	}))

	s2 := newPersistentTokenStore("github", backend, zap.NewNop())
	rec, ok := s2.Retrieve()
	require.True(t, ok, "a fresh store loads the persisted record")
	assert.Equal(t, "tok-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.False(t, s2.IsExpired())

	require.NoError(t, s2.Clear())
	s3 := newPersistentTokenStore("github", backend, zap.NewNop())
	_, ok = s3.Retrieve()
	assert.False(t, ok, "clear removes the persisted record too")
}

func TestPersistentStoreIgnoresCorruptRecord(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	backend := &fileBackend{dir: dir}
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "github.token"), []byte("not-a-sealed-record"), 0o600))

	s := newPersistentTokenStore("github", backend, zap.NewNop())
	_, ok := s.Retrieve()
	assert.False(t, ok, "an unreadable record is treated as absent")
}

func TestNewPersistentTokenStoreValidatesKey(t *testing.T) {
	for _, bad := range []string{"", "bad/key", "has space", "dots.forbidden", "../escape"} {
		_, err := NewPersistentTokenStore(bad, t.TempDir(), zap.NewNop())
		require.Error(t, err, "key %q must be rejected", bad)
	}

	s, err := NewPersistentTokenStore("GitHub_up-1", t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, s)
}
