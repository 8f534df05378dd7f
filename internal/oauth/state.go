package oauth

import (
	"sync"
	"time"
)

// StateTTL is the wall-clock lifetime of an authorization state entry.
const StateTTL = 10 * time.Minute

// stateEntry ties a pending authorization to its PKCE verifier.
type stateEntry struct {
	upstreamID string
	verifier   string
	createdAt  time.Time
}

// StateTable holds pending authorization states. Entries expire after
// StateTTL of wall-clock time and are consumed on first use.
type StateTable struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	now     func() time.Time
}

func NewStateTable() *StateTable {
	return &StateTable{
		entries: make(map[string]stateEntry),
		now:     time.Now,
	}
}

// Insert records a pending authorization under its state nonce. Expired
// entries are swept opportunistically.
func (t *StateTable) Insert(state, upstreamID, verifier string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for k, e := range t.entries {
		if now.Sub(e.createdAt) >= StateTTL {
			delete(t.entries, k)
		}
	}
	t.entries[state] = stateEntry{
		upstreamID: upstreamID,
		verifier:   verifier,
		createdAt:  now,
	}
}

// Consume removes and returns the entry for state. Absent, already used,
// and expired states all report ErrStateNotFound; age is judged by wall
// clock at consumption time.
func (t *StateTable) Consume(state string) (upstreamID, verifier string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[state]
	if !ok {
		return "", "", ErrStateNotFound
	}
	delete(t.entries, state)
	if t.now().Sub(e.createdAt) >= StateTTL {
		return "", "", ErrStateNotFound
	}
	return e.upstreamID, e.verifier, nil
}

// Remove drops a state without consuming it, used when a flow is abandoned.
func (t *StateTable) Remove(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, state)
}

// Len reports live entries, expired ones included until swept.
func (t *StateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
