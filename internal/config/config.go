package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Transport kind tags. Every upstream carries exactly one.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportWebsocket      = "websocket"
	TransportStreamableHTTP = "streamable-http"
)

// Auth kind tags.
const (
	AuthBearer            = "bearer"
	AuthClientCredentials = "oauth-client-credentials"
	AuthAuthorizationCode = "oauth-authorization-code"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultShutdownBudget = 10 * time.Second
)

// upstreamIDPattern also bounds what the keychain accepts as a key, so the
// two must stay in sync.
var upstreamIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// Config is the root configuration loaded from funnel.json plus env overrides.
type Config struct {
	DataDir            string              `json:"data_dir,omitempty" mapstructure:"data-dir"`
	Upstreams          []*UpstreamConfig   `json:"upstreams" mapstructure:"upstreams"`
	Toolsets           map[string][]string `json:"toolsets,omitempty" mapstructure:"toolsets"`
	ToolsetDir         string              `json:"toolset_dir,omitempty" mapstructure:"toolset-dir"`
	ToolResponseLimit  int                 `json:"tool_response_limit" mapstructure:"tool-response-limit"`
	ExposeCoreTools    bool                `json:"expose_core_tools" mapstructure:"expose-core-tools"`
	ConnectConcurrency int                 `json:"connect_concurrency,omitempty" mapstructure:"connect-concurrency"`
	ShutdownTimeout    Duration            `json:"shutdown_timeout,omitempty" mapstructure:"shutdown-timeout"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`

	// Metrics/health listener; empty disables the listener entirely.
	MetricsListen string `json:"metrics_listen,omitempty" mapstructure:"metrics-listen"`

	// Enabled patterns applied to discovered tools at startup. Glob-style,
	// matched against full names. Empty means everything starts enabled.
	ExposeTools []string `json:"expose_tools,omitempty" mapstructure:"expose-tools"`

	// Short name resolution for bridge_tool_request ("funnel" off by default).
	AllowShortNames bool `json:"allow_short_names,omitempty" mapstructure:"allow-short-names"`
}

// LogConfig mirrors the zap+lumberjack setup.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// UpstreamConfig describes one upstream MCP server.
type UpstreamConfig struct {
	ID        string           `json:"id" mapstructure:"id"`
	Transport *TransportConfig `json:"transport" mapstructure:"transport"`
	Auth      *AuthConfig      `json:"auth,omitempty" mapstructure:"auth"`
	Enabled   bool             `json:"enabled" mapstructure:"enabled"`
	Created   time.Time        `json:"created,omitempty" mapstructure:"created"`
	Updated   time.Time        `json:"updated,omitempty" mapstructure:"updated"`
}

// TransportConfig is the tagged transport variant. Type selects the wire;
// the validator enforces which of the remaining fields apply.
type TransportConfig struct {
	Type string `json:"type" mapstructure:"type"`

	// stdio
	Command string            `json:"command,omitempty" mapstructure:"command"`
	Args    []string          `json:"args,omitempty" mapstructure:"args"`
	Env     map[string]string `json:"env,omitempty" mapstructure:"env"`

	// sse / websocket / streamable-http
	URL         string            `json:"url,omitempty" mapstructure:"url"`
	Headers     map[string]string `json:"headers,omitempty" mapstructure:"headers"`
	Subprotocol string            `json:"subprotocol,omitempty" mapstructure:"subprotocol"`
	TimeoutMs   int               `json:"timeout_ms,omitempty" mapstructure:"timeout-ms"`

	Reconnect *ReconnectConfig `json:"reconnect,omitempty" mapstructure:"reconnect"`
}

// ReconnectConfig tunes the per-upstream backoff scheduler.
type ReconnectConfig struct {
	MaxAttempts       int     `json:"max_attempts" mapstructure:"max-attempts"`
	InitialDelayMs    int     `json:"initial_delay_ms" mapstructure:"initial-delay-ms"`
	MaxDelayMs        int     `json:"max_delay_ms" mapstructure:"max-delay-ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" mapstructure:"backoff-multiplier"`
	Jitter            float64 `json:"jitter" mapstructure:"jitter"`
}

// AuthConfig is the tagged outbound auth variant for one upstream.
type AuthConfig struct {
	Type string `json:"type" mapstructure:"type"`

	// bearer
	Token string `json:"token,omitempty" mapstructure:"token"`

	// oauth-client-credentials / oauth-authorization-code
	ClientID              string `json:"client_id,omitempty" mapstructure:"client-id"`
	ClientSecret          string `json:"client_secret,omitempty" mapstructure:"client-secret"`
	TokenEndpoint         string `json:"token_endpoint,omitempty" mapstructure:"token-endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint,omitempty" mapstructure:"authorization-endpoint"`
	RedirectURI           string `json:"redirect_uri,omitempty" mapstructure:"redirect-uri"`
	Scope                 string `json:"scope,omitempty" mapstructure:"scope"`
	Audience              string `json:"audience,omitempty" mapstructure:"audience"`

	// Persist tokens to the OS keychain (file fallback when unavailable).
	PersistTokens bool `json:"persist_tokens,omitempty" mapstructure:"persist-tokens"`
}

// Duration marshals as a Go duration string in JSON configs.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir:            "", // set to ~/.mcp-funnel by the loader
		Upstreams:          []*UpstreamConfig{},
		Toolsets:           map[string][]string{},
		ToolResponseLimit:  20000,
		ExposeCoreTools:    true,
		ConnectConcurrency: 8,
		ShutdownTimeout:    Duration(DefaultShutdownBudget),

		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    true,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// DefaultReconnectConfig returns the backoff parameters applied when an
// upstream does not carry its own reconnect block.
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts:       5,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2.0,
		Jitter:            0.25,
	}
}

// Validate normalizes defaults and rejects configurations the runtime
// cannot honor. Field errors carry the upstream id for context.
func (c *Config) Validate() error {
	if c.ToolResponseLimit < 0 {
		c.ToolResponseLimit = 0 // 0 means disabled
	}
	if c.ConnectConcurrency <= 0 {
		c.ConnectConcurrency = 8
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownBudget)
	}

	seen := make(map[string]bool, len(c.Upstreams))
	for _, up := range c.Upstreams {
		if up == nil {
			return fmt.Errorf("upstreams: null entry")
		}
		if err := up.Validate(); err != nil {
			return err
		}
		if seen[up.ID] {
			return fmt.Errorf("upstream %q: duplicate id", up.ID)
		}
		seen[up.ID] = true
	}
	return nil
}

// Validate checks a single upstream entry.
func (u *UpstreamConfig) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("upstream: id is required")
	}
	if !upstreamIDPattern.MatchString(u.ID) {
		return fmt.Errorf("upstream %q: id must match %s", u.ID, upstreamIDPattern.String())
	}
	// Double underscore is the full-name separator; an id containing it
	// would make <id>__<tool> ambiguous.
	if strings.Contains(u.ID, "__") {
		return fmt.Errorf("upstream %q: id must not contain \"__\"", u.ID)
	}
	// "funnel" addresses in-process commands.
	if u.ID == "funnel" {
		return fmt.Errorf("upstream %q: id is reserved", u.ID)
	}
	if u.Transport == nil {
		return fmt.Errorf("upstream %q: transport is required", u.ID)
	}
	if err := u.Transport.Validate(); err != nil {
		return fmt.Errorf("upstream %q: %w", u.ID, err)
	}
	if u.Auth != nil {
		if err := u.Auth.Validate(); err != nil {
			return fmt.Errorf("upstream %q: %w", u.ID, err)
		}
	}
	return nil
}

// Validate applies the per-kind rules: required fields, URL schemes,
// timeout and reconnect bounds.
func (t *TransportConfig) Validate() error {
	switch t.Type {
	case TransportStdio:
		if t.Command == "" {
			return fmt.Errorf("transport stdio: command is required")
		}
	case TransportSSE:
		if err := t.validateURL(nil); err != nil {
			return err
		}
	case TransportWebsocket:
		if err := t.validateURL([]string{"ws", "wss", "http", "https"}); err != nil {
			return err
		}
		if t.TimeoutMs < 0 {
			return fmt.Errorf("transport websocket: timeout_ms must be positive")
		}
	case TransportStreamableHTTP:
		if err := t.validateURL([]string{"http", "https"}); err != nil {
			return err
		}
		if t.TimeoutMs < 0 {
			return fmt.Errorf("transport streamable-http: timeout_ms must be positive")
		}
	case "":
		return fmt.Errorf("transport: type is required")
	default:
		return fmt.Errorf("transport: unknown type %q", t.Type)
	}

	if t.Reconnect != nil {
		if err := t.Reconnect.Validate(); err != nil {
			return fmt.Errorf("transport %s: %w", t.Type, err)
		}
	}
	return nil
}

func (t *TransportConfig) validateURL(schemes []string) error {
	if t.URL == "" {
		return fmt.Errorf("transport %s: url is required", t.Type)
	}
	parsed, err := url.Parse(t.URL)
	if err != nil {
		return fmt.Errorf("transport %s: invalid url %q: %w", t.Type, t.URL, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("transport %s: invalid url %q: missing host", t.Type, t.URL)
	}
	if schemes == nil {
		return nil
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("transport %s: url scheme %q not allowed (want one of %s)",
		t.Type, parsed.Scheme, strings.Join(schemes, ", "))
}

// Validate enforces the reconnect field bounds.
func (r *ReconnectConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return fmt.Errorf("reconnect: max_attempts must be >= 0")
	}
	if r.InitialDelayMs < 0 {
		return fmt.Errorf("reconnect: initial_delay_ms must be >= 0")
	}
	if r.MaxDelayMs < 0 {
		return fmt.Errorf("reconnect: max_delay_ms must be >= 0")
	}
	if r.BackoffMultiplier <= 1 {
		return fmt.Errorf("reconnect: backoff_multiplier must be > 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		return fmt.Errorf("reconnect: jitter must be within [0, 1]")
	}
	return nil
}

// Validate checks the tagged auth variant.
func (a *AuthConfig) Validate() error {
	switch a.Type {
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("auth bearer: token is required")
		}
	case AuthClientCredentials:
		if a.ClientID == "" {
			return fmt.Errorf("auth %s: client_id is required", a.Type)
		}
		if a.TokenEndpoint == "" {
			return fmt.Errorf("auth %s: token_endpoint is required", a.Type)
		}
		if err := validateEndpoint(a.TokenEndpoint); err != nil {
			return fmt.Errorf("auth %s: token_endpoint: %w", a.Type, err)
		}
	case AuthAuthorizationCode:
		if a.ClientID == "" {
			return fmt.Errorf("auth %s: client_id is required", a.Type)
		}
		if a.TokenEndpoint == "" {
			return fmt.Errorf("auth %s: token_endpoint is required", a.Type)
		}
		if a.AuthorizationEndpoint == "" {
			return fmt.Errorf("auth %s: authorization_endpoint is required", a.Type)
		}
		if a.RedirectURI == "" {
			return fmt.Errorf("auth %s: redirect_uri is required", a.Type)
		}
		for name, endpoint := range map[string]string{
			"token_endpoint":         a.TokenEndpoint,
			"authorization_endpoint": a.AuthorizationEndpoint,
			"redirect_uri":           a.RedirectURI,
		} {
			if err := validateEndpoint(endpoint); err != nil {
				return fmt.Errorf("auth %s: %s: %w", a.Type, name, err)
			}
		}
	case "":
		return fmt.Errorf("auth: type is required")
	default:
		return fmt.Errorf("auth: unknown type %q", a.Type)
	}
	return nil
}

func validateEndpoint(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

// FindUpstream returns the upstream entry with the given id, or nil.
func (c *Config) FindUpstream(id string) *UpstreamConfig {
	for _, up := range c.Upstreams {
		if up.ID == id {
			return up
		}
	}
	return nil
}
