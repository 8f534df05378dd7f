package oauth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultRefreshSkew is how early before expiry the proactive refresh
// timer fires.
const DefaultRefreshSkew = 5 * time.Minute

// TokenRecord is one acquired access token. ExpiresAt is absolute; a
// record is expired from the exact expiry instant onward.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Audience     string    `json:"audience,omitempty"`
}

// ExpiredAt reports whether the record is expired at the given instant:
// expired iff now >= expiresAt.
func (r *TokenRecord) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// AuthorizationValue renders the Authorization header value.
func (r *TokenRecord) AuthorizationValue() string {
	tokenType := r.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return tokenType + " " + r.AccessToken
}

// TokenStore holds at most one token record per upstream and owns the
// proactive refresh timer for it.
type TokenStore interface {
	// Store replaces the current record.
	Store(rec *TokenRecord) error

	// Retrieve returns the current record, expired or not.
	Retrieve() (*TokenRecord, bool)

	// Clear drops the record and cancels any scheduled refresh.
	Clear() error

	// IsExpired reports whether no usable token is held: true when empty
	// or when now >= expiresAt.
	IsExpired() bool

	// ScheduleRefresh arms the refresh timer at expiry minus the skew,
	// cancelling any previous timer. A fire time already in the past arms
	// nothing: the next use refreshes lazily.
	ScheduleRefresh(fn func())

	// Identity is the opaque per-instance marker used for transport cache
	// keying.
	Identity() string
}

// MemoryTokenStore is the in-process TokenStore. Persistent stores embed
// it and add a backend.
type MemoryTokenStore struct {
	mu       sync.Mutex
	rec      *TokenRecord
	timer    *time.Timer
	identity string
	skew     time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemoryTokenStore creates an empty store with the default refresh
// skew.
func NewMemoryTokenStore(logger *zap.Logger) *MemoryTokenStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryTokenStore{
		identity: uuid.NewString(),
		skew:     DefaultRefreshSkew,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *MemoryTokenStore) Store(rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	return nil
}

func (s *MemoryTokenStore) Retrieve() (*TokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, false
	}
	return s.rec, true
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	s.cancelTimerLocked()
	return nil
}

func (s *MemoryTokenStore) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return true
	}
	return s.rec.ExpiredAt(s.now())
}

func (s *MemoryTokenStore) ScheduleRefresh(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelTimerLocked()
	if s.rec == nil {
		return
	}

	fireAt := s.rec.ExpiresAt.Add(-s.skew)
	delay := fireAt.Sub(s.now())
	if delay <= 0 {
		// Too late for proactive refresh; the next Headers call pays for
		// it instead.
		s.logger.Debug("Skipping proactive refresh, fire time already past",
			zap.Time("expires_at", s.rec.ExpiresAt),
			zap.Duration("skew", s.skew))
		return
	}

	s.timer = time.AfterFunc(delay, fn)
	s.logger.Debug("Scheduled proactive token refresh",
		zap.Time("expires_at", s.rec.ExpiresAt),
		zap.Duration("fires_in", delay))
}

func (s *MemoryTokenStore) Identity() string { return s.identity }

func (s *MemoryTokenStore) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
