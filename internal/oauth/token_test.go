package oauth

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTokenRecordExpiryBoundary(t *testing.T) {
	expiry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rec := &TokenRecord{AccessToken: "tok", ExpiresAt: expiry}

	assert.False(t, rec.ExpiredAt(expiry.Add(-time.Nanosecond)))
	assert.True(t, rec.ExpiredAt(expiry), "record is expired at the exact expiry instant")
	assert.True(t, rec.ExpiredAt(expiry.Add(time.Nanosecond)))
}

func TestAuthorizationValue(t *testing.T) {
	rec := &TokenRecord{AccessToken: "abc123"}
	assert.Equal(t, "Bearer abc123", rec.AuthorizationValue(), "token_type defaults to Bearer")

	rec.TokenType = "MAC"
	assert.Equal(t, "MAC abc123", rec.AuthorizationValue())
}

func TestMemoryStoreIsExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryTokenStore(zap.NewNop())
	store.now = func() time.Time { return now }

	assert.True(t, store.IsExpired(), "empty store has no usable token")

	require.NoError(t, store.Store(&TokenRecord{AccessToken: "tok", ExpiresAt: now.Add(time.Hour)}))
	assert.False(t, store.IsExpired())

	require.NoError(t, store.Store(&TokenRecord{AccessToken: "tok", ExpiresAt: now}))
	assert.True(t, store.IsExpired(), "expired at the exact expiry instant")

	require.NoError(t, store.Clear())
	assert.True(t, store.IsExpired())
	_, ok := store.Retrieve()
	assert.False(t, ok)
}

func TestScheduleRefreshFiresBeforeExpiry(t *testing.T) {
	store := NewMemoryTokenStore(zap.NewNop())
	store.skew = 50 * time.Millisecond

	require.NoError(t, store.Store(&TokenRecord{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(80 * time.Millisecond),
	}))

	var fired atomic.Bool
	store.ScheduleRefresh(func() { fired.Store(true) })

	require.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestScheduleRefreshSkipsPastFireTime(t *testing.T) {
	store := NewMemoryTokenStore(zap.NewNop())

	// Expiry minus the five-minute skew is already behind us.
	require.NoError(t, store.Store(&TokenRecord{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Minute),
	}))
	store.ScheduleRefresh(func() { t.Error("refresh must not be scheduled in the past") })

	store.mu.Lock()
	timer := store.timer
	store.mu.Unlock()
	assert.Nil(t, timer, "no timer armed when the fire time already passed")
}

func TestScheduleRefreshReplacesPreviousTimer(t *testing.T) {
	store := NewMemoryTokenStore(zap.NewNop())
	store.skew = 10 * time.Millisecond

	require.NoError(t, store.Store(&TokenRecord{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(50 * time.Millisecond),
	}))

	var first, second atomic.Bool
	store.ScheduleRefresh(func() { first.Store(true) })
	store.ScheduleRefresh(func() { second.Store(true) })

	require.Eventually(t, second.Load, time.Second, 5*time.Millisecond)
	assert.False(t, first.Load(), "superseded timer must not fire")
}

func TestClearCancelsScheduledRefresh(t *testing.T) {
	store := NewMemoryTokenStore(zap.NewNop())
	store.skew = 10 * time.Millisecond

	require.NoError(t, store.Store(&TokenRecord{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(40 * time.Millisecond),
	}))
	store.ScheduleRefresh(func() { t.Error("cleared store must not refresh") })
	require.NoError(t, store.Clear())

	time.Sleep(80 * time.Millisecond)
}

func TestScheduleRefreshOnEmptyStoreIsNoop(t *testing.T) {
	store := NewMemoryTokenStore(zap.NewNop())
	store.ScheduleRefresh(func() { t.Error("empty store must not schedule") })

	store.mu.Lock()
	timer := store.timer
	store.mu.Unlock()
	assert.Nil(t, timer)
}

func TestStoreIdentityIsStablePerInstance(t *testing.T) {
	a := NewMemoryTokenStore(zap.NewNop())
	b := NewMemoryTokenStore(zap.NewNop())

	assert.NotEmpty(t, a.Identity())
	assert.Equal(t, a.Identity(), a.Identity())
	assert.NotEqual(t, a.Identity(), b.Identity(), "identity is per instance, not structural")
}
