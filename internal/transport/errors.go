package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"syscall"
)

// ErrClosed is the rejection every pending request receives when its
// transport closes, and the synchronous failure of Send on a closed
// transport.
var ErrClosed = errors.New("transport closed")

// ErrorKind tags a transport failure. connectionFailed and timeout are
// retryable; protocolError and invalidUrl are fatal.
type ErrorKind string

const (
	KindConnectionFailed ErrorKind = "connectionFailed"
	KindTimeout          ErrorKind = "timeout"
	KindProtocolError    ErrorKind = "protocolError"
	KindInvalidURL       ErrorKind = "invalidUrl"
)

// Error is the tagged transport error surfaced by all wire kinds.
type Error struct {
	Kind ErrorKind
	Op   string // "connect", "send", "read"
	URL  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("transport ")
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		b.WriteString(" during ")
		b.WriteString(e.Op)
	}
	if e.URL != "" {
		b.WriteString(" (")
		b.WriteString(e.URL)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the reconnection controller should consume
// this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnectionFailed || e.Kind == KindTimeout
}

// NewError builds a tagged transport error.
func NewError(kind ErrorKind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// HTTPError carries the response detail for a non-2xx HTTP exchange so
// callers can distinguish auth failures from wire trouble.
type HTTPError struct {
	StatusCode int
	Body       string
	Method     string
	URL        string
	Err        error
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates an HTTPError with full request context.
func NewHTTPError(statusCode int, body, method, url string, originalErr error) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Body:       body,
		Method:     method,
		URL:        url,
		Err:        originalErr,
	}
}

// IsUnauthorized reports whether err is an HTTP 401 exchange.
func IsUnauthorized(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized
}

// Classify maps an arbitrary wire failure onto the tagged taxonomy.
// Connection-level trouble (refused, reset, EOF, timeouts) is retryable;
// anything already tagged passes through unchanged.
func Classify(op, url string, err error) *Error {
	if err == nil {
		return nil
	}

	var te *Error
	if errors.As(err, &te) {
		return te
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= 500, httpErr.StatusCode == http.StatusTooManyRequests:
			return NewError(KindConnectionFailed, op, url, err)
		case httpErr.StatusCode == http.StatusRequestTimeout:
			return NewError(KindTimeout, op, url, err)
		default:
			return NewError(KindProtocolError, op, url, err)
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, op, url, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
		return NewError(KindConnectionFailed, op, url, err)
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, net.ErrClosed):
		return NewError(KindConnectionFailed, op, url, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewError(KindTimeout, op, url, err)
		}
		return NewError(KindConnectionFailed, op, url, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Child death is retryable unless it was deliberately killed.
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() &&
			(status.Signal() == syscall.SIGKILL || status.Signal() == syscall.SIGTERM) {
			return NewError(KindProtocolError, op, url, err)
		}
		return NewError(KindConnectionFailed, op, url, err)
	}

	return NewError(KindProtocolError, op, url, err)
}
