package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// maxTokenAttempts bounds one acquisition: the first try plus two
	// retries at 1s and 2s, on transient failures only.
	maxTokenAttempts = 3

	tokenHTTPTimeout = 30 * time.Second

	// defaultExpiresIn applies when the token endpoint omits expires_in.
	defaultExpiresIn = 3600
)

var tokenRetryBackoff = []time.Duration{time.Second, 2 * time.Second}

// tokenResponse is the token endpoint payload, success or error.
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	Scope        string      `json:"scope"`
	RefreshToken string      `json:"refresh_token"`
	Audience     string      `json:"audience"`

	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// requestToken performs one POST to the token endpoint. Client credentials
// travel via basic auth when a secret is present. Failures come back
// tagged: unreachable endpoints and 5xx answers are transient, OAuth error
// payloads are semantic.
func requestToken(ctx context.Context, httpc *http.Client, upstreamID, endpoint, clientID, clientSecret string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, NewError(KindInvalidGrant, upstreamID, "invalid token endpoint", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if clientSecret != "" {
		req.SetBasicAuth(clientID, clientSecret)
	}

	resp, err := httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, upstreamID, "token endpoint timed out", err)
		}
		return nil, NewError(KindNetwork, upstreamID, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, NewError(KindNetwork, upstreamID, "reading token response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, NewError(KindNetwork, upstreamID,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, NewError(KindInvalidClient, upstreamID,
				fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
		}
		return nil, NewError(KindInvalidGrant, upstreamID, "malformed token response", err)
	}

	if tr.ErrorCode != "" {
		detail := tr.ErrorCode
		if tr.ErrorDescription != "" {
			detail = fmt.Sprintf("%s: %s", tr.ErrorCode, tr.ErrorDescription)
		}
		return nil, NewError(oauthErrorKind(tr.ErrorCode), upstreamID, detail, nil)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, NewError(KindInvalidClient, upstreamID,
				fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
		}
		return nil, NewError(KindInvalidGrant, upstreamID,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	}
	return &tr, nil
}

// recordFromResponse validates a success payload and builds the token
// record: access_token present, token_type defaulting to Bearer,
// expires_in an integer defaulting to 3600, and the audience accepted by
// the predicate when the response names one.
func recordFromResponse(tr *tokenResponse, upstreamID string, audienceOK func(string) bool, now time.Time) (*TokenRecord, error) {
	if tr.AccessToken == "" {
		return nil, NewError(KindInvalidGrant, upstreamID, "token response missing access_token", nil)
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	expiresIn := int64(defaultExpiresIn)
	if tr.ExpiresIn != "" {
		n, err := tr.ExpiresIn.Int64()
		if err != nil || n <= 0 {
			return nil, NewError(KindInvalidGrant, upstreamID,
				fmt.Sprintf("invalid expires_in %q", tr.ExpiresIn.String()), err)
		}
		expiresIn = n
	}

	if tr.Audience != "" && audienceOK != nil && !audienceOK(tr.Audience) {
		return nil, NewError(KindAudienceMismatch, upstreamID,
			fmt.Sprintf("token audience %q rejected", tr.Audience), nil)
	}

	return &TokenRecord{
		AccessToken:  tr.AccessToken,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(time.Duration(expiresIn) * time.Second),
		Scope:        tr.Scope,
		RefreshToken: tr.RefreshToken,
		Audience:     tr.Audience,
	}, nil
}

// acquireWithRetry drives up to maxTokenAttempts attempts. Semantic
// failures abort immediately; transient ones wait out the backoff ladder.
func acquireWithRetry(ctx context.Context, logger *zap.Logger, upstreamID string, attempt func() error) error {
	var lastErr error
	for i := 0; i < maxTokenAttempts; i++ {
		if i > 0 {
			delay := tokenRetryBackoff[i-1]
			logger.Debug("Retrying token acquisition",
				zap.String("upstream", upstreamID),
				zap.Int("attempt", i+1),
				zap.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return NewError(KindTimeout, upstreamID, "token acquisition cancelled", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := attempt()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
	}
	return lastErr
}

// audiencePredicate builds the default equality check for a configured
// audience; an explicit predicate wins, no audience means no check.
func audiencePredicate(expected string, override func(string) bool) func(string) bool {
	if override != nil {
		return override
	}
	if expected == "" {
		return nil
	}
	return func(got string) bool { return got == expected }
}
