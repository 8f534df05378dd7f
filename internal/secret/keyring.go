package secret

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"
)

const (
	// ServiceName groups every keychain entry written by this process.
	ServiceName = "mcp-funnel"

	// registryKey holds the newline-joined list of stored secret names.
	// OS keychains cannot enumerate entries, so the store keeps its own
	// index as one extra entry.
	registryKey = "_mcp_funnel_secret_registry"
	probeKey    = "_mcp_funnel_probe"
)

// ErrNotFound is returned when a named secret is absent from the keychain.
var ErrNotFound = errors.New("secret not found")

// Names starting with "_" are reserved for the registry and the probe.
// Newlines are excluded because the registry entry is newline-joined.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// keyringBackend is the thin seam over go-keyring so tests can run against
// an in-memory keychain.
type keyringBackend interface {
	Set(service, key, value string) error
	Get(service, key string) (string, error)
	Delete(service, key string) error
}

type systemKeyring struct{}

func (systemKeyring) Set(service, key, value string) error { return keyring.Set(service, key, value) }
func (systemKeyring) Get(service, key string) (string, error) {
	return keyring.Get(service, key)
}
func (systemKeyring) Delete(service, key string) error { return keyring.Delete(service, key) }

// KeyringStore keeps named secrets in the OS keychain and tracks their names
// in a registry entry so List works.
type KeyringStore struct {
	service string
	backend keyringBackend
	logger  *zap.Logger

	mu sync.Mutex
}

// NewKeyringStore returns a store backed by the OS keychain.
func NewKeyringStore(logger *zap.Logger) *KeyringStore {
	return newKeyringStore(ServiceName, systemKeyring{}, logger)
}

func newKeyringStore(service string, backend keyringBackend, logger *zap.Logger) *KeyringStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyringStore{
		service: service,
		backend: backend,
		logger:  logger.Named("secret"),
	}
}

// Set writes the secret under name and records the name in the registry.
func (s *KeyringStore) Set(name, value string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(s.service, name, value); err != nil {
		return fmt.Errorf("store secret %s: %w", name, err)
	}
	if err := s.registryAdd(name); err != nil {
		return fmt.Errorf("update secret registry: %w", err)
	}
	s.logger.Debug("stored secret", zap.String("name", name))
	return nil
}

// Get returns the secret stored under name.
func (s *KeyringStore) Get(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	value, err := s.backend.Get(s.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", name, err)
	}
	return value, nil
}

// Delete removes the secret and its registry entry.
func (s *KeyringStore) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.Delete(s.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", name, err)
	}
	if err := s.registryRemove(name); err != nil {
		return fmt.Errorf("update secret registry: %w", err)
	}
	s.logger.Debug("deleted secret", zap.String("name", name))
	return nil
}

// List returns the names of all stored secrets, sorted.
func (s *KeyringStore) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.registryNames()
	if err != nil {
		return nil, fmt.Errorf("read secret registry: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// IsAvailable probes the keychain with a throwaway entry. Headless hosts
// without a keychain daemon report false.
func (s *KeyringStore) IsAvailable() bool {
	if err := s.backend.Set(s.service, probeKey, "probe"); err != nil {
		return false
	}
	if _, err := s.backend.Get(s.service, probeKey); err != nil {
		return false
	}
	return s.backend.Delete(s.service, probeKey) == nil
}

// registryNames is called with mu held.
func (s *KeyringStore) registryNames() ([]string, error) {
	raw, err := s.backend.Get(s.service, registryKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range strings.Split(raw, "\n") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *KeyringStore) registryAdd(name string) error {
	names, err := s.registryNames()
	if err != nil {
		return err
	}
	for _, existing := range names {
		if existing == name {
			return nil
		}
	}
	names = append(names, name)
	return s.backend.Set(s.service, registryKey, strings.Join(names, "\n"))
}

func (s *KeyringStore) registryRemove(name string) error {
	names, err := s.registryNames()
	if err != nil {
		return err
	}
	kept := names[:0]
	for _, existing := range names {
		if existing != name {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		err := s.backend.Delete(s.service, registryKey)
		if errors.Is(err, keyring.ErrNotFound) {
			return nil
		}
		return err
	}
	return s.backend.Set(s.service, registryKey, strings.Join(kept, "\n"))
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}
