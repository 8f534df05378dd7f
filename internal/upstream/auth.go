package upstream

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/oauth"
	"github.com/chris-schra/mcp-funnel-sub012/internal/secret"
	"github.com/chris-schra/mcp-funnel-sub012/internal/transport"
)

// AuthDeps carries the shared collaborators auth providers hang off of.
type AuthDeps struct {
	// DataDir locates the encrypted file fallback for persisted tokens.
	DataDir string

	// Callbacks receives authorization-code redirects; required for any
	// upstream using the authorization-code grant.
	Callbacks *oauth.CallbackServer

	// Secrets resolves ${keyring:...} references in auth fields. Nil means
	// only ${env:...} references resolve.
	Secrets *secret.KeyringStore

	// OnAuthorizationURL surfaces the URL a human must visit. Nil falls
	// back to an info log.
	OnAuthorizationURL func(upstreamID, rawURL string)

	Logger *zap.Logger
}

// BuildAuthProvider constructs the outbound auth provider for one upstream
// from its config. Secret references in the token and client secret are
// expanded first, so credentials can live in the environment or the OS
// keychain instead of the config file. The returned store identity feeds the
// transport factory cache key.
func BuildAuthProvider(cfg *config.UpstreamConfig, deps AuthDeps) (transport.AuthProvider, string, error) {
	if cfg.Auth == nil {
		return nil, "", nil
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	token, err := secret.Expand(cfg.Auth.Token, deps.Secrets)
	if err != nil {
		return nil, "", fmt.Errorf("auth token: %w", err)
	}
	clientSecret, err := secret.Expand(cfg.Auth.ClientSecret, deps.Secrets)
	if err != nil {
		return nil, "", fmt.Errorf("auth client secret: %w", err)
	}

	var store oauth.TokenStore
	if cfg.Auth.PersistTokens {
		persistent, err := oauth.NewPersistentTokenStore(cfg.ID, deps.DataDir, logger)
		if err != nil {
			return nil, "", fmt.Errorf("token store: %w", err)
		}
		store = persistent
	}

	switch cfg.Auth.Type {
	case config.AuthBearer:
		p := oauth.NewBearerProvider(token)
		return p, "", nil

	case config.AuthClientCredentials:
		p, err := oauth.NewClientCredentialsProvider(oauth.ClientCredentialsConfig{
			UpstreamID:    cfg.ID,
			ClientID:      cfg.Auth.ClientID,
			ClientSecret:  clientSecret,
			TokenEndpoint: cfg.Auth.TokenEndpoint,
			Scope:         cfg.Auth.Scope,
			Audience:      cfg.Auth.Audience,
		}, store, logger)
		if err != nil {
			return nil, "", err
		}
		return p, p.StoreIdentity(), nil

	case config.AuthAuthorizationCode:
		if deps.Callbacks == nil {
			return nil, "", fmt.Errorf("authorization-code auth for %s needs the callback listener", cfg.ID)
		}
		onURL := func(rawURL string) {
			if deps.OnAuthorizationURL != nil {
				deps.OnAuthorizationURL(cfg.ID, rawURL)
				return
			}
			logger.Info("authorization required",
				zap.String("upstream", cfg.ID),
				zap.String("url", rawURL))
		}
		p, err := oauth.NewAuthorizationCodeProvider(oauth.AuthorizationCodeConfig{
			UpstreamID:            cfg.ID,
			ClientID:              cfg.Auth.ClientID,
			ClientSecret:          clientSecret,
			AuthorizationEndpoint: cfg.Auth.AuthorizationEndpoint,
			TokenEndpoint:         cfg.Auth.TokenEndpoint,
			RedirectURI:           cfg.Auth.RedirectURI,
			Scope:                 cfg.Auth.Scope,
			Audience:              cfg.Auth.Audience,
			OnAuthorizationURL:    onURL,
		}, store, logger)
		if err != nil {
			return nil, "", err
		}
		deps.Callbacks.Register(p)
		return p, p.StoreIdentity(), nil

	default:
		return nil, "", fmt.Errorf("unknown auth type %q", cfg.Auth.Type)
	}
}
