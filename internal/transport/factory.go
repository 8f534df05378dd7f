package transport

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
)

// New builds a transport for the given config. The config is validated
// first; reconnect parameters default when absent.
func New(cfg *config.TransportConfig, auth AuthProvider, logger *zap.Logger) (Transport, error) {
	if cfg == nil {
		return nil, NewError(KindInvalidURL, "create", "", fmt.Errorf("nil transport config"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewError(KindInvalidURL, "create", cfg.URL, err)
	}

	rcCfg := cfg.Reconnect
	if rcCfg == nil {
		rcCfg = config.DefaultReconnectConfig()
	}
	rc := reconnect.New(rcCfg, logger)

	return newBaseClient(cfg, auth, rc, logger), nil
}

// Factory hands out transports with a per-config singleton cache. Equal
// configs share one transport only when both the auth provider identity
// and the token storage identity match; identity is an opaque per-instance
// marker, never a structural hash of credentials.
type Factory struct {
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]Transport
}

func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		logger: logger,
		cache:  make(map[string]Transport),
	}
}

// Get returns the cached transport for this (config, provider, store)
// triple, building one on first use. A cached transport that has been
// closed is discarded and rebuilt.
func (f *Factory) Get(cfg *config.TransportConfig, auth AuthProvider, storeIdentity string) (Transport, error) {
	if cfg == nil {
		return nil, NewError(KindInvalidURL, "create", "", fmt.Errorf("nil transport config"))
	}
	key, err := cacheKey(cfg, auth, storeIdentity)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.cache[key]; ok {
		if b, isBase := t.(*baseClient); !isBase || !b.isClosed() {
			return t, nil
		}
		delete(f.cache, key)
	}

	t, err := New(cfg, auth, f.logger)
	if err != nil {
		return nil, err
	}
	f.cache[key] = t
	return t, nil
}

// Drop evicts a cache entry without closing the transport. Callers own
// the close.
func (f *Factory) Drop(cfg *config.TransportConfig, auth AuthProvider, storeIdentity string) {
	key, err := cacheKey(cfg, auth, storeIdentity)
	if err != nil {
		return
	}
	f.mu.Lock()
	delete(f.cache, key)
	f.mu.Unlock()
}

// CloseAll closes every cached transport and empties the cache.
func (f *Factory) CloseAll() error {
	f.mu.Lock()
	transports := make([]Transport, 0, len(f.cache))
	for _, t := range f.cache {
		transports = append(transports, t)
	}
	f.cache = make(map[string]Transport)
	f.mu.Unlock()

	var firstErr error
	for _, t := range transports {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// cacheKey serializes the config deterministically (encoding/json emits
// struct fields in declaration order and sorts map keys) and appends both
// identities.
func cacheKey(cfg *config.TransportConfig, auth AuthProvider, storeIdentity string) (string, error) {
	serialized, err := json.Marshal(cfg)
	if err != nil {
		return "", NewError(KindInvalidURL, "create", cfg.URL, fmt.Errorf("serialize config: %w", err))
	}
	authID := ""
	if auth != nil {
		authID = auth.Identity()
	}
	return string(serialized) + "\x00" + authID + "\x00" + storeIdentity, nil
}

func (b *baseClient) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
