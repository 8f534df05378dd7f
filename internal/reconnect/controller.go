// Package reconnect implements the per-upstream backoff scheduler and its
// connection state machine. The controller performs no I/O itself: callers
// hand it a connect function and it decides when, and whether, to run it.
package reconnect

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
)

// State is the connection state of one upstream.
//
// Transitions: Disconnected -> Connecting -> Connected on success;
// Connecting|Connected -> Reconnecting on retryable loss;
// Reconnecting -> Failed after max attempts; any -> Disconnected on
// explicit close.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrMaxAttemptsExceeded is returned by Schedule once the retry budget is
// spent; the controller is Failed until Reset.
var ErrMaxAttemptsExceeded = errors.New("max reconnection attempts exceeded")

// ErrDestroyed is returned by Schedule after Destroy.
var ErrDestroyed = errors.New("reconnection controller destroyed")

// Transition describes one state change, delivered to observers.
type Transition struct {
	From           State
	To             State
	RetryCount     int
	NextRetryDelay time.Duration // zero when no retry is scheduled
	Err            error
}

// Observer receives state transitions. Observers run outside the
// controller lock and must not call back into the controller
// synchronously from the callback if they hold their own locks shared
// with controller callers.
type Observer func(Transition)

// scheduledAttempt is the active-timer token: the firing callback and
// Cancel race for it under the lock, so exactly one of them wins.
type scheduledAttempt struct {
	timer   *time.Timer
	attempt int
	delay   time.Duration
}

// Controller owns the retry counter and connection state for a single
// upstream.
type Controller struct {
	mu        sync.Mutex
	cfg       config.ReconnectConfig
	logger    *zap.Logger
	rng       *rand.Rand
	state     State
	retry     int
	lastErr   error
	pending   *scheduledAttempt
	observers []Observer
	destroyed bool
}

// New creates a controller in StateDisconnected. A nil cfg uses the
// defaults.
func New(cfg *config.ReconnectConfig, logger *zap.Logger) *Controller {
	if cfg == nil {
		cfg = config.DefaultReconnectConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:    *cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		state:  StateDisconnected,
	}
}

// AddObserver registers a transition observer.
func (c *Controller) AddObserver(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// OnConnecting cancels any scheduled retry and marks the connection as
// Connecting (first attempt) or Reconnecting (subsequent attempts).
func (c *Controller) OnConnecting() {
	c.mu.Lock()
	c.cancelLocked()
	to := StateConnecting
	if c.retry > 0 {
		to = StateReconnecting
	}
	tr, obs := c.transitionLocked(to, 0, nil)
	c.mu.Unlock()
	notify(obs, tr)
}

// OnConnected resets the retry counter and marks the connection Connected.
func (c *Controller) OnConnected() {
	c.mu.Lock()
	c.retry = 0
	c.lastErr = nil
	tr, obs := c.transitionLocked(StateConnected, 0, nil)
	c.mu.Unlock()
	notify(obs, tr)
}

// OnDisconnected marks the connection Disconnected unless it has already
// failed terminally. Any scheduled retry is cancelled.
func (c *Controller) OnDisconnected(err error) {
	c.mu.Lock()
	if c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	if err != nil {
		c.lastErr = err
	}
	tr, obs := c.transitionLocked(StateDisconnected, 0, err)
	c.mu.Unlock()
	notify(obs, tr)
}

// Schedule plans the next connect attempt. When the retry budget is spent
// the state becomes Failed and ErrMaxAttemptsExceeded is returned; the
// connect function is then never invoked. The connect function runs on the
// timer goroutine after the computed backoff delay.
func (c *Controller) Schedule(connect func()) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.state == StateFailed {
		c.mu.Unlock()
		return ErrMaxAttemptsExceeded
	}

	if c.retry >= c.cfg.MaxAttempts {
		err := fmt.Errorf("%w after %d attempts", ErrMaxAttemptsExceeded, c.retry)
		c.lastErr = err
		tr, obs := c.transitionLocked(StateFailed, 0, err)
		c.mu.Unlock()
		notify(obs, tr)
		return ErrMaxAttemptsExceeded
	}

	c.cancelLocked()
	c.retry++
	attempt := c.retry
	delay := c.delayForAttemptLocked(attempt)

	sa := &scheduledAttempt{attempt: attempt, delay: delay}
	sa.timer = time.AfterFunc(delay, func() { c.fire(sa, connect) })
	c.pending = sa

	c.logger.Debug("scheduled reconnect attempt",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.cfg.MaxAttempts),
		zap.Duration("delay", delay))

	tr, obs := c.transitionLocked(StateReconnecting, delay, c.lastErr)
	c.mu.Unlock()
	notify(obs, tr)
	return nil
}

// fire runs when a scheduled timer elapses. The pending token decides the
// race against Cancel: whoever clears it first owns the attempt.
func (c *Controller) fire(sa *scheduledAttempt, connect func()) {
	c.mu.Lock()
	if c.pending != sa || c.destroyed {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	c.mu.Unlock()

	connect()
}

// Cancel stops any scheduled retry without changing state. Idempotent.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
}

// Reset cancels pending work and returns the controller to Disconnected
// with a zero retry counter, clearing a terminal Failed state. Idempotent.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.cancelLocked()
	c.retry = 0
	c.lastErr = nil
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	tr, obs := c.transitionLocked(StateDisconnected, 0, nil)
	c.mu.Unlock()
	notify(obs, tr)
}

// Destroy cancels pending work and permanently disables the controller.
// Idempotent.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked()
	c.destroyed = true
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RetryCount returns the number of attempts consumed since the last
// successful connect or Reset.
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

// LastError returns the most recent connection error, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Status is a point-in-time snapshot for status surfaces.
type Status struct {
	State          State
	RetryCount     int
	NextRetryDelay time.Duration
	LastError      error
}

// Snapshot returns the current status.
func (c *Controller) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{State: c.state, RetryCount: c.retry, LastError: c.lastErr}
	if c.pending != nil {
		st.NextRetryDelay = c.pending.delay
	}
	return st
}

func (c *Controller) cancelLocked() {
	if c.pending == nil {
		return
	}
	c.pending.timer.Stop()
	c.pending = nil
}

func (c *Controller) transitionLocked(to State, nextDelay time.Duration, err error) (Transition, []Observer) {
	tr := Transition{
		From:           c.state,
		To:             to,
		RetryCount:     c.retry,
		NextRetryDelay: nextDelay,
		Err:            err,
	}
	c.state = to
	obs := make([]Observer, len(c.observers))
	copy(obs, c.observers)
	return tr, obs
}

func notify(observers []Observer, tr Transition) {
	for _, fn := range observers {
		fn(tr)
	}
}

// delayForAttemptLocked computes the backoff for a 1-based attempt number:
// min(initial * multiplier^(n-1), max) plus additive jitter uniform in
// +-jitter*delay, clamped to >= 0.
func (c *Controller) delayForAttemptLocked(attempt int) time.Duration {
	initial := float64(c.cfg.InitialDelayMs)
	maxDelay := float64(c.cfg.MaxDelayMs)

	base := initial * math.Pow(c.cfg.BackoffMultiplier, float64(attempt-1))
	if math.IsInf(base, 1) || base > maxDelay {
		base = maxDelay
	}

	delay := base
	if c.cfg.Jitter > 0 {
		// rng.Float64 in [0,1); spread over [-jitter, +jitter).
		offset := (c.rng.Float64()*2 - 1) * c.cfg.Jitter * base
		delay = base + offset
		if delay < 0 {
			delay = 0
		}
	}

	// Convert fractional milliseconds without losing sub-millisecond
	// precision to truncation.
	return time.Duration(delay * float64(time.Millisecond))
}
