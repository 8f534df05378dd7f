// Package oauth implements outbound authentication for upstream servers:
// token records and stores with proactive refresh, keychain-or-file
// persistence, and the three provider kinds (static bearer, OAuth2
// client-credentials, OAuth2 authorization-code with PKCE).
package oauth

import (
	"errors"
	"fmt"
)

// ErrorKind tags an authentication failure. network and timeout may
// resolve on retry; the rest are semantic and fail fast.
type ErrorKind string

const (
	KindInvalidClient    ErrorKind = "invalid_client"
	KindInvalidGrant     ErrorKind = "invalid_grant"
	KindInvalidScope     ErrorKind = "invalid_scope"
	KindAudienceMismatch ErrorKind = "audience_mismatch"
	KindNetwork          ErrorKind = "network"
	KindTimeout          ErrorKind = "timeout"
)

// Error is the tagged authentication error surfaced by every provider.
type Error struct {
	Kind     ErrorKind
	Upstream string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("authentication %s", string(e.Kind))
	if e.Upstream != "" {
		msg += " for " + e.Upstream
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether a retry may succeed without operator action.
func (e *Error) Transient() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// NewError builds a tagged authentication error.
func NewError(kind ErrorKind, upstream, detail string, err error) *Error {
	return &Error{Kind: kind, Upstream: upstream, Detail: detail, Err: err}
}

// IsTransient reports whether err is a retryable authentication failure.
func IsTransient(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Transient()
}

// ErrNoToken indicates the store holds no token record.
var ErrNoToken = errors.New("no token available")

// ErrStateNotFound rejects an authorization completion whose state is
// unknown, already used, or expired.
var ErrStateNotFound = errors.New("invalid or expired OAuth state")

// ErrAuthorizationTimeout rejects a refresh whose interactive flow was not
// completed within the flow timeout.
var ErrAuthorizationTimeout = errors.New("authorization timeout")

// oauthErrorKind maps the error field of an OAuth error response onto the
// tagged taxonomy. Unknown semantic errors land on invalid_grant so they
// still fail fast.
func oauthErrorKind(code string) ErrorKind {
	switch code {
	case "invalid_client", "unauthorized_client":
		return KindInvalidClient
	case "invalid_scope":
		return KindInvalidScope
	default:
		return KindInvalidGrant
	}
}
