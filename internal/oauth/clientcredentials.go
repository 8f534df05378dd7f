package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientCredentialsConfig configures the machine-to-machine grant.
type ClientCredentialsConfig struct {
	UpstreamID    string
	ClientID      string
	ClientSecret  string
	TokenEndpoint string
	Scope         string
	Audience      string

	// AudienceCheck overrides the default equality predicate against
	// Audience.
	AudienceCheck func(string) bool
}

// ClientCredentialsProvider acquires tokens with grant_type
// client_credentials. Acquisition is serialized: concurrent refreshes
// join one flow. Acquired tokens are stored and proactively refreshed
// ahead of expiry.
type ClientCredentialsProvider struct {
	cfg        ClientCredentialsConfig
	store      TokenStore
	httpc      *http.Client
	logger     *zap.Logger
	identity   string
	audienceOK func(string) bool
	gate       flowGate
}

func NewClientCredentialsProvider(cfg ClientCredentialsConfig, store TokenStore, logger *zap.Logger) (*ClientCredentialsProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client-credentials provider: client_id is required")
	}
	if cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("client-credentials provider: token_endpoint is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryTokenStore(logger)
	}
	return &ClientCredentialsProvider{
		cfg:        cfg,
		store:      store,
		httpc:      &http.Client{Timeout: tokenHTTPTimeout},
		logger:     logger,
		identity:   uuid.NewString(),
		audienceOK: audiencePredicate(cfg.Audience, cfg.AudienceCheck),
	}, nil
}

// Headers returns the Authorization header, acquiring a token first when
// the store holds none or only an expired one.
func (p *ClientCredentialsProvider) Headers(ctx context.Context) (map[string]string, error) {
	if rec, ok := p.store.Retrieve(); ok && !p.store.IsExpired() {
		return map[string]string{"Authorization": rec.AuthorizationValue()}, nil
	}
	if err := p.Refresh(ctx); err != nil {
		return nil, err
	}
	rec, ok := p.store.Retrieve()
	if !ok {
		return nil, NewError(KindNetwork, p.cfg.UpstreamID, "token store empty after refresh", ErrNoToken)
	}
	return map[string]string{"Authorization": rec.AuthorizationValue()}, nil
}

// Refresh acquires a fresh token. Concurrent callers observe the outcome
// of the in-flight acquisition instead of racing their own.
func (p *ClientCredentialsProvider) Refresh(ctx context.Context) error {
	return p.gate.run(ctx, func() error { return p.acquire(ctx) })
}

// Valid reports whether a non-expired token is held.
func (p *ClientCredentialsProvider) Valid() bool { return !p.store.IsExpired() }

func (p *ClientCredentialsProvider) Identity() string { return p.identity }

// StoreIdentity exposes the token store marker for transport cache keying.
func (p *ClientCredentialsProvider) StoreIdentity() string { return p.store.Identity() }

func (p *ClientCredentialsProvider) acquire(ctx context.Context) error {
	form := url.Values{"grant_type": {"client_credentials"}}
	if p.cfg.Scope != "" {
		form.Set("scope", p.cfg.Scope)
	}
	if p.cfg.Audience != "" {
		form.Set("audience", p.cfg.Audience)
	}

	var rec *TokenRecord
	err := acquireWithRetry(ctx, p.logger, p.cfg.UpstreamID, func() error {
		tr, err := requestToken(ctx, p.httpc, p.cfg.UpstreamID, p.cfg.TokenEndpoint,
			p.cfg.ClientID, p.cfg.ClientSecret, form)
		if err != nil {
			return err
		}
		r, err := recordFromResponse(tr, p.cfg.UpstreamID, p.audienceOK, time.Now())
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		p.logger.Warn("Token acquisition failed",
			zap.String("upstream", p.cfg.UpstreamID),
			zap.String("client_id", MaskSecret(p.cfg.ClientID)),
			zap.Error(err))
		return err
	}

	if err := p.store.Store(rec); err != nil {
		return err
	}
	p.store.ScheduleRefresh(p.backgroundRefresh)
	p.logger.Info("Acquired access token",
		zap.String("upstream", p.cfg.UpstreamID),
		zap.String("token", MaskSecret(rec.AccessToken)),
		zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

// backgroundRefresh runs on the store's refresh timer.
func (p *ClientCredentialsProvider) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*tokenHTTPTimeout)
	defer cancel()
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("Proactive token refresh failed, next use refreshes lazily",
			zap.String("upstream", p.cfg.UpstreamID),
			zap.Error(err))
	}
}
