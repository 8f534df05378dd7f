package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultFlowTimeout bounds how long a refresh waits for the operator to
// complete the interactive authorization.
const DefaultFlowTimeout = 10 * time.Minute

// AuthorizationCodeConfig configures the interactive authorization-code
// grant with PKCE.
type AuthorizationCodeConfig struct {
	UpstreamID            string
	ClientID              string
	ClientSecret          string // empty for public clients
	AuthorizationEndpoint string
	TokenEndpoint         string
	RedirectURI           string
	Scope                 string
	Audience              string

	// AudienceCheck overrides the default equality predicate against
	// Audience.
	AudienceCheck func(string) bool

	// OnAuthorizationURL receives the URL the operator must visit. When
	// nil the URL is only logged.
	OnAuthorizationURL func(authURL string)

	// FlowTimeout overrides DefaultFlowTimeout when positive.
	FlowTimeout time.Duration
}

// AuthorizationCodeProvider drives the authorization-code + PKCE grant.
// Refresh emits an authorization URL and blocks until CompleteFlow
// delivers the code, the flow timeout elapses, or the context is
// cancelled. Concurrent refreshes share one authorization attempt.
type AuthorizationCodeProvider struct {
	cfg        AuthorizationCodeConfig
	store      TokenStore
	states     *StateTable
	authURL    *url.URL
	httpc      *http.Client
	logger     *zap.Logger
	identity   string
	audienceOK func(string) bool
	gate       flowGate

	mu      sync.Mutex
	pending map[string]*pendingAuthorization
}

// pendingAuthorization carries the outcome of one interactive flow back
// to the refresh that started it.
type pendingAuthorization struct {
	done chan struct{}
	err  error
}

func NewAuthorizationCodeProvider(cfg AuthorizationCodeConfig, store TokenStore, logger *zap.Logger) (*AuthorizationCodeProvider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("authorization-code provider: client_id is required")
	}
	if cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization-code provider: token_endpoint is required")
	}
	if cfg.RedirectURI == "" {
		return nil, fmt.Errorf("authorization-code provider: redirect_uri is required")
	}
	authURL, err := url.Parse(cfg.AuthorizationEndpoint)
	if err != nil || authURL.Scheme == "" || authURL.Host == "" {
		return nil, fmt.Errorf("authorization-code provider: invalid authorization endpoint %q", cfg.AuthorizationEndpoint)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewMemoryTokenStore(logger)
	}
	return &AuthorizationCodeProvider{
		cfg:        cfg,
		store:      store,
		states:     NewStateTable(),
		authURL:    authURL,
		httpc:      &http.Client{Timeout: tokenHTTPTimeout},
		logger:     logger,
		identity:   uuid.NewString(),
		audienceOK: audiencePredicate(cfg.Audience, cfg.AudienceCheck),
		pending:    map[string]*pendingAuthorization{},
	}, nil
}

// Headers returns the Authorization header, running the interactive flow
// first when no usable token is held.
func (p *AuthorizationCodeProvider) Headers(ctx context.Context) (map[string]string, error) {
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

// Refresh renews the token: with a refresh token on file it tries the
// refresh_token grant, falling back to a full interactive flow when the
// grant is rejected. Overlapping callers share one attempt, one state
// nonce, one token-endpoint exchange.
func (p *AuthorizationCodeProvider) Refresh(ctx context.Context) error {
	return p.gate.run(ctx, func() error { return p.renew(ctx) })
}

// Valid reports whether a non-expired token is held.
func (p *AuthorizationCodeProvider) Valid() bool { return !p.store.IsExpired() }

func (p *AuthorizationCodeProvider) Identity() string { return p.identity }

// StoreIdentity exposes the token store marker for transport cache keying.
func (p *AuthorizationCodeProvider) StoreIdentity() string { return p.store.Identity() }

func (p *AuthorizationCodeProvider) renew(ctx context.Context) error {
	if rec, ok := p.store.Retrieve(); ok && rec.RefreshToken != "" {
		err := p.refreshGrant(ctx, rec.RefreshToken)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		p.logger.Warn("Refresh token rejected, starting interactive authorization",
			zap.String("upstream", p.cfg.UpstreamID),
			zap.Error(err))
	}
	return p.runFlow(ctx)
}

// refreshGrant redeems the stored refresh token. The server may rotate
// the refresh token; when it does not, the previous one is kept.
func (p *AuthorizationCodeProvider) refreshGrant(ctx context.Context, refreshToken string) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.cfg.ClientID},
	}
	if p.cfg.Scope != "" {
		form.Set("scope", p.cfg.Scope)
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
		return err
	}
	if rec.RefreshToken == "" {
		rec.RefreshToken = refreshToken
	}
	if err := p.store.Store(rec); err != nil {
		return err
	}
	p.store.ScheduleRefresh(p.backgroundRefresh)
	p.logger.Info("Refreshed access token",
		zap.String("upstream", p.cfg.UpstreamID),
		zap.String("token", MaskSecret(rec.AccessToken)),
		zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

// runFlow starts one interactive authorization attempt and waits for
// CompleteFlow to resolve it.
func (p *AuthorizationCodeProvider) runFlow(ctx context.Context) error {
	verifier, err := GenerateVerifier()
	if err != nil {
		return NewError(KindNetwork, p.cfg.UpstreamID, "generating PKCE verifier", err)
	}
	state, err := NewStateNonce()
	if err != nil {
		return NewError(KindNetwork, p.cfg.UpstreamID, "generating state nonce", err)
	}
	p.states.Insert(state, p.cfg.UpstreamID, verifier)

	waiter := &pendingAuthorization{done: make(chan struct{})}
	p.mu.Lock()
	p.pending[state] = waiter
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, state)
		p.mu.Unlock()
		p.states.Remove(state)
	}()

	authURL := p.authorizationRequestURL(state, ChallengeS256(verifier))
	p.logger.Info("Authorization required, open the URL to continue",
		zap.String("upstream", p.cfg.UpstreamID),
		zap.String("url", authURL))
	if p.cfg.OnAuthorizationURL != nil {
		p.cfg.OnAuthorizationURL(authURL)
	}

	timeout := p.cfg.FlowTimeout
	if timeout <= 0 {
		timeout = DefaultFlowTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waiter.done:
		return waiter.err
	case <-timer.C:
		p.logger.Warn("Authorization flow timed out",
			zap.String("upstream", p.cfg.UpstreamID),
			zap.Duration("timeout", timeout))
		return ErrAuthorizationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CompleteFlow finishes an interactive authorization: it consumes the
// state entry (single use), exchanges the code using the stored PKCE
// verifier, stores the resulting token, and unblocks the waiting
// refresh. Unknown, reused, and expired states are rejected.
func (p *AuthorizationCodeProvider) CompleteFlow(ctx context.Context, state, code string) error {
	_, verifier, err := p.states.Consume(state)
	if err != nil {
		return err
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {p.cfg.RedirectURI},
		"code_verifier": {verifier},
		"client_id":     {p.cfg.ClientID},
	}

	err = p.exchangeCode(ctx, form)
	p.resolvePending(state, err)
	return err
}

func (p *AuthorizationCodeProvider) exchangeCode(ctx context.Context, form url.Values) error {
	tr, err := requestToken(ctx, p.httpc, p.cfg.UpstreamID, p.cfg.TokenEndpoint,
		p.cfg.ClientID, p.cfg.ClientSecret, form)
	if err != nil {
		return err
	}
	rec, err := recordFromResponse(tr, p.cfg.UpstreamID, p.audienceOK, time.Now())
	if err != nil {
		return err
	}
	if err := p.store.Store(rec); err != nil {
		return err
	}
	p.store.ScheduleRefresh(p.backgroundRefresh)
	p.logger.Info("Authorization complete, access token stored",
		zap.String("upstream", p.cfg.UpstreamID),
		zap.String("token", MaskSecret(rec.AccessToken)),
		zap.Time("expires_at", rec.ExpiresAt))
	return nil
}

func (p *AuthorizationCodeProvider) resolvePending(state string, err error) {
	p.mu.Lock()
	w, ok := p.pending[state]
	if ok {
		delete(p.pending, state)
	}
	p.mu.Unlock()
	if ok {
		w.err = err
		close(w.done)
	}
}

func (p *AuthorizationCodeProvider) authorizationRequestURL(state, challenge string) string {
	u := *p.authURL
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", p.cfg.ClientID)
	q.Set("redirect_uri", p.cfg.RedirectURI)
	if p.cfg.Scope != "" {
		q.Set("scope", p.cfg.Scope)
	}
	if p.cfg.Audience != "" {
		q.Set("audience", p.cfg.Audience)
	}
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	u.RawQuery = q.Encode()
	return u.String()
}

// backgroundRefresh runs on the store's refresh timer. It only renews
// when a refresh token allows doing so without the operator; interactive
// flows wait for the next use so someone is there to follow the URL.
func (p *AuthorizationCodeProvider) backgroundRefresh() {
	rec, ok := p.store.Retrieve()
	if !ok || rec.RefreshToken == "" {
		p.logger.Debug("Skipping proactive refresh, interactive authorization required",
			zap.String("upstream", p.cfg.UpstreamID))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*tokenHTTPTimeout)
	defer cancel()
	if err := p.gate.run(ctx, func() error { return p.refreshGrant(ctx, rec.RefreshToken) }); err != nil {
		p.logger.Warn("Proactive token refresh failed, next use refreshes lazily",
			zap.String("upstream", p.cfg.UpstreamID),
			zap.Error(err))
	}
}
