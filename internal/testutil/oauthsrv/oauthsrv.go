// Package oauthsrv is an in-process OAuth 2.0 authorization server for
// tests. It signs RS256 JWT access tokens and implements the three grants
// the funnel's auth providers use: client_credentials, authorization_code
// with PKCE (auto-approving authorize endpoint), and refresh_token with
// rotation. Error injection covers the transient and semantic failure
// classes the providers distinguish.
package oauthsrv

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Config adjusts the issued tokens and registered client.
type Config struct {
	// ClientID and ClientSecret identify the registered client. Empty
	// values get random defaults; an empty secret after defaults still
	// requires basic auth for client_credentials.
	ClientID     string
	ClientSecret string

	// AccessTokenTTL is the expires_in the server advertises. Zero means
	// one hour.
	AccessTokenTTL time.Duration

	// Audience, when set, is echoed in the token response audience field.
	Audience string
}

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
}

type issuedCode struct {
	clientID    string
	redirectURI string
	challenge   string
	scope       string
	used        bool
}

// Server is one running authorization server. Shut down via the test
// cleanup it registers itself.
type Server struct {
	URL          string
	ClientID     string
	ClientSecret string

	cfg Config
	key *rsa.PrivateKey
	hs  *httptest.Server

	mu            sync.Mutex
	codes         map[string]*issuedCode
	refreshTokens map[string]string // refresh token -> scope
	tokenRequests int
	failNext      int
	oauthError    string
	issued        int
}

// Start runs a server on an ephemeral port and tears it down with the test.
func Start(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.ClientID == "" {
		cfg.ClientID = "client-" + randomHex(8)
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = randomHex(16)
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	s := &Server{
		cfg:           cfg,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		key:           key,
		codes:         make(map[string]*issuedCode),
		refreshTokens: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Get("/authorize", s.handleAuthorize)
	r.Post("/token", s.handleToken)

	s.hs = httptest.NewServer(r)
	s.URL = s.hs.URL
	t.Cleanup(s.hs.Close)
	return s
}

// AuthorizationEndpoint and TokenEndpoint are the URLs to hand to a
// provider config.
func (s *Server) AuthorizationEndpoint() string { return s.URL + "/authorize" }
func (s *Server) TokenEndpoint() string         { return s.URL + "/token" }

// FailTokenRequests makes the next n token requests answer 500, the
// transient class the providers retry.
func (s *Server) FailTokenRequests(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetTokenError makes every token request answer with the given OAuth
// error code until cleared with an empty string. These are semantic
// failures the providers must not retry.
func (s *Server) SetTokenError(code string) {
	s.mu.Lock()
	s.oauthError = code
	s.mu.Unlock()
}

// TokenRequests counts POSTs to the token endpoint, including injected
// failures.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

// TokensIssued counts successful token responses.
func (s *Server) TokensIssued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issued
}

// Approve drives the authorize endpoint for an authorization URL the
// provider produced and returns the code and state from the redirect,
// standing in for the operator and their browser.
func (s *Server) Approve(t *testing.T, authURL string) (code, state string) {
	t.Helper()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(authURL)
	if err != nil {
		t.Fatalf("authorize request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("authorize returned %d, want 302", resp.StatusCode)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("bad redirect location: %v", err)
	}
	return loc.Query().Get("code"), loc.Query().Get("state")
}

// ParseAccessToken verifies an issued token's signature and returns its
// claims.
func (s *Server) ParseAccessToken(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return &s.key.PublicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}
	if q.Get("client_id") != s.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri is required", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "S256 code_challenge is required", http.StatusBadRequest)
		return
	}

	code := "code-" + randomHex(16)
	s.mu.Lock()
	s.codes[code] = &issuedCode{
		clientID:    q.Get("client_id"),
		redirectURI: redirectURI,
		challenge:   q.Get("code_challenge"),
		scope:       q.Get("scope"),
	}
	s.mu.Unlock()

	loc, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	lq := loc.Query()
	lq.Set("code", code)
	if state := q.Get("state"); state != "" {
		lq.Set("state", state)
	}
	loc.RawQuery = lq.Encode()
	http.Redirect(w, r, loc.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokenRequests++
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		http.Error(w, "temporarily unavailable", http.StatusInternalServerError)
		return
	}
	injected := s.oauthError
	s.mu.Unlock()

	if injected != "" {
		writeOAuthError(w, injected, "injected by test")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request", "malformed form body")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "client_credentials":
		s.tokenForClientCredentials(w, r)
	case "authorization_code":
		s.tokenForCode(w, r)
	case "refresh_token":
		s.tokenForRefresh(w, r)
	default:
		writeOAuthError(w, "unsupported_grant_type", r.PostFormValue("grant_type"))
	}
}

func (s *Server) tokenForClientCredentials(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	if !ok || id != s.ClientID ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.ClientSecret)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]string{"error": "invalid_client"})
		return
	}
	s.writeTokenResponse(w, r.PostFormValue("scope"), false)
}

func (s *Server) tokenForCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	s.mu.Lock()
	ic, ok := s.codes[code]
	if ok && ic.used {
		ok = false
	}
	if ok {
		ic.used = true
	}
	s.mu.Unlock()
	if !ok {
		writeOAuthError(w, "invalid_grant", "unknown or already redeemed code")
		return
	}

	if r.PostFormValue("client_id") != ic.clientID {
		writeOAuthError(w, "invalid_grant", "code was issued to a different client")
		return
	}
	if r.PostFormValue("redirect_uri") != ic.redirectURI {
		writeOAuthError(w, "invalid_grant", "redirect_uri mismatch")
		return
	}
	verifier := r.PostFormValue("code_verifier")
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != ic.challenge {
		writeOAuthError(w, "invalid_grant", "PKCE verification failed")
		return
	}
	s.writeTokenResponse(w, ic.scope, true)
}

func (s *Server) tokenForRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostFormValue("refresh_token")
	s.mu.Lock()
	scope, ok := s.refreshTokens[token]
	if ok {
		// Rotation: the redeemed token is gone either way.
		delete(s.refreshTokens, token)
	}
	s.mu.Unlock()
	if !ok {
		writeOAuthError(w, "invalid_grant", "unknown refresh token")
		return
	}
	s.writeTokenResponse(w, scope, true)
}

func (s *Server) writeTokenResponse(w http.ResponseWriter, scope string, withRefresh bool) {
	access, err := s.signAccessToken(scope)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   int(s.cfg.AccessTokenTTL / time.Second),
	}
	if scope != "" {
		resp["scope"] = scope
	}
	if s.cfg.Audience != "" {
		resp["audience"] = s.cfg.Audience
	}
	if withRefresh {
		refresh := "refresh-" + randomHex(16)
		s.mu.Lock()
		s.refreshTokens[refresh] = scope
		s.mu.Unlock()
		resp["refresh_token"] = refresh
	}

	s.mu.Lock()
	s.issued++
	s.mu.Unlock()
	writeJSON(w, resp)
}

func (s *Server) signAccessToken(scope string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.URL,
			Subject:   s.ClientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTokenTTL)),
			ID:        randomHex(16),
		},
		ClientID: s.ClientID,
		Scope:    scope,
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	w.WriteHeader(http.StatusBadRequest)
	writeJSON(w, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(fmt.Sprintf("encode response: %v", err))
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
