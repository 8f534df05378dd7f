package oauth

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCompleter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubCompleter) CompleteFlow(_ context.Context, state, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, state+"/"+code)
	return s.err
}

func (s *stubCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func startCallbackServer(t *testing.T, completers ...FlowCompleter) *CallbackServer {
	t.Helper()
	srv, err := NewCallbackServer("http://127.0.0.1:0/oauth/callback", zap.NewNop())
	require.NoError(t, err)
	for _, c := range completers {
		srv.Register(c)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func getCallback(t *testing.T, srv *CallbackServer, query string) (int, string) {
	t.Helper()
	resp, err := http.Get("http://" + srv.Addr() + "/oauth/callback" + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestCallbackDeliversCodeAndState(t *testing.T) {
	c := &stubCompleter{}
	srv := startCallbackServer(t, c)

	status, body := getCallback(t, srv, "?code=c1&state=s1")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Authorization Successful")
	assert.Equal(t, []string{"s1/c1"}, c.calls)
}

func TestCallbackTriesProvidersUntilStateMatches(t *testing.T) {
	miss := &stubCompleter{err: ErrStateNotFound}
	hit := &stubCompleter{}
	srv := startCallbackServer(t, miss, hit)

	status, _ := getCallback(t, srv, "?code=c1&state=s1")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, miss.callCount())
	assert.Equal(t, 1, hit.callCount())
}

func TestCallbackUnknownStateRejected(t *testing.T) {
	c := &stubCompleter{err: ErrStateNotFound}
	srv := startCallbackServer(t, c)

	status, body := getCallback(t, srv, "?code=c1&state=s-unknown")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "invalid or expired OAuth state")
}

func TestCallbackSurfacesCompletionFailure(t *testing.T) {
	c := &stubCompleter{err: NewError(KindInvalidGrant, "github", "code expired", nil)}
	srv := startCallbackServer(t, c)

	status, body := getCallback(t, srv, "?code=c1&state=s1")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "code expired")
}

func TestCallbackPropagatesProviderDenial(t *testing.T) {
	c := &stubCompleter{}
	srv := startCallbackServer(t, c)

	status, body := getCallback(t, srv, "?error=access_denied&error_description=denied+by+operator")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "denied by operator")
	assert.Zero(t, c.callCount(), "denials never reach the providers")
}

func TestCallbackRequiresCodeAndState(t *testing.T) {
	c := &stubCompleter{}
	srv := startCallbackServer(t, c)

	status, _ := getCallback(t, srv, "?code=c1")
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = getCallback(t, srv, "?state=s1")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Zero(t, c.callCount())
}

func TestCallbackDefaultPath(t *testing.T) {
	srv, err := NewCallbackServer("http://127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultRedirectPath, srv.path)
}

func TestNewCallbackServerValidation(t *testing.T) {
	_, err := NewCallbackServer("ftp://127.0.0.1/cb", zap.NewNop())
	require.Error(t, err)

	_, err = NewCallbackServer("http:///cb", zap.NewNop())
	require.Error(t, err)
}

func TestCallbackShutdownIsIdempotent(t *testing.T) {
	srv := startCallbackServer(t, &stubCompleter{})
	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))
}
