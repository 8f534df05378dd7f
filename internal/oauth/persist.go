package oauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const (
	// KeychainService is the OS credential store service name for token
	// records.
	KeychainService = "mcp-funnel"

	keychainProbeKey = "_mcp_funnel_probe"
	tokenKeyPrefix   = "oauth-token-"
)

// tokenKeyPattern guards upstream ids before they become credential-store
// keys or filenames.
var tokenKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// persistBackend stores one serialized token record per upstream id.
type persistBackend interface {
	save(key string, data []byte) error
	load(key string) ([]byte, error)
	remove(key string) error
	name() string
}

// PersistentTokenStore is a TokenStore whose records survive restarts: the
// OS keychain when available, an encrypted file under the data dir when
// not. Timer behavior is inherited from the in-memory store.
type PersistentTokenStore struct {
	*MemoryTokenStore
	upstreamID string
	backend    persistBackend
	logger     *zap.Logger
}

// NewPersistentTokenStore builds a store for one upstream. Any previously
// persisted record is loaded immediately; an unreadable record is treated
// as absent.
func NewPersistentTokenStore(upstreamID, dataDir string, logger *zap.Logger) (*PersistentTokenStore, error) {
	if !tokenKeyPattern.MatchString(upstreamID) {
		return nil, fmt.Errorf("invalid token store key %q: must match [A-Za-z0-9_-]+", upstreamID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var backend persistBackend
	if keyringAvailable() {
		backend = &keyringBackend{service: KeychainService}
	} else {
		backend = &fileBackend{dir: filepath.Join(dataDir, "tokens")}
		logger.Debug("OS keychain unavailable, using encrypted file fallback",
			zap.String("upstream", upstreamID))
	}
	return newPersistentTokenStore(upstreamID, backend, logger), nil
}

func newPersistentTokenStore(upstreamID string, backend persistBackend, logger *zap.Logger) *PersistentTokenStore {
	s := &PersistentTokenStore{
		MemoryTokenStore: NewMemoryTokenStore(logger),
		upstreamID:       upstreamID,
		backend:          backend,
		logger:           logger,
	}

	if data, err := backend.load(upstreamID); err == nil {
		var rec TokenRecord
		if err := json.Unmarshal(data, &rec); err == nil && rec.AccessToken != "" {
			_ = s.MemoryTokenStore.Store(&rec)
			logger.Debug("Loaded persisted token",
				zap.String("upstream", upstreamID),
				zap.String("backend", backend.name()),
				zap.Time("expires_at", rec.ExpiresAt))
		}
	}
	return s
}

func (s *PersistentTokenStore) Store(rec *TokenRecord) error {
	if err := s.MemoryTokenStore.Store(rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("serialize token record: %w", err)
	}
	if err := s.backend.save(s.upstreamID, data); err != nil {
		// The in-memory copy still works for this process; persistence is
		// best effort.
		s.logger.Warn("Failed to persist token record",
			zap.String("upstream", s.upstreamID),
			zap.String("backend", s.backend.name()),
			zap.Error(err))
	}
	return nil
}

func (s *PersistentTokenStore) Clear() error {
	if err := s.MemoryTokenStore.Clear(); err != nil {
		return err
	}
	if err := s.backend.remove(s.upstreamID); err != nil {
		s.logger.Debug("Failed to remove persisted token record",
			zap.String("upstream", s.upstreamID),
			zap.Error(err))
	}
	return nil
}

// keyringAvailable probes the OS credential store with a throwaway entry.
// Headless hosts without a secret service fail here and fall back to the
// encrypted file.
func keyringAvailable() bool {
	if err := keyring.Set(KeychainService, keychainProbeKey, "ok"); err != nil {
		return false
	}
	_, err := keyring.Get(KeychainService, keychainProbeKey)
	_ = keyring.Delete(KeychainService, keychainProbeKey)
	return err == nil
}

// --- keychain backend ---

type keyringBackend struct {
	service string
}

func (k *keyringBackend) save(key string, data []byte) error {
	return keyring.Set(k.service, tokenKeyPrefix+key, string(data))
}

func (k *keyringBackend) load(key string) ([]byte, error) {
	v, err := keyring.Get(k.service, tokenKeyPrefix+key)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func (k *keyringBackend) remove(key string) error {
	err := keyring.Delete(k.service, tokenKeyPrefix+key)
	if err == keyring.ErrNotFound {
		return nil
	}
	return err
}

func (k *keyringBackend) name() string { return "keychain" }

// --- encrypted file backend ---

// fileBackend seals records with AES-256-GCM. The key material lives in a
// sibling file; directory 0700, files 0600.
type fileBackend struct {
	dir string
}

func (f *fileBackend) save(key string, data []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	sealKey, err := f.sealKey()
	if err != nil {
		return err
	}
	sealed, err := seal(sealKey, data)
	if err != nil {
		return err
	}
	return os.WriteFile(f.path(key), sealed, 0o600)
}

func (f *fileBackend) load(key string) ([]byte, error) {
	sealed, err := os.ReadFile(f.path(key))
	if err != nil {
		return nil, err
	}
	sealKey, err := f.sealKey()
	if err != nil {
		return nil, err
	}
	return open(sealKey, sealed)
}

func (f *fileBackend) remove(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *fileBackend) name() string { return "encrypted-file" }

func (f *fileBackend) path(key string) string {
	return filepath.Join(f.dir, key+".token")
}

// sealKey loads the 32-byte key material, creating it on first use.
func (f *fileBackend) sealKey() ([]byte, error) {
	keyPath := filepath.Join(f.dir, ".tokens.key")
	if key, err := os.ReadFile(keyPath); err == nil && len(key) == 32 {
		return key, nil
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return nil, fmt.Errorf("create token dir: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate token key material: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("write token key material: %w", err)
	}
	return key, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("sealed record too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
