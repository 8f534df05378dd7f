package upstream

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/chris-schra/mcp-funnel-sub012/internal/config"
	"github.com/chris-schra/mcp-funnel-sub012/internal/reconnect"
	"github.com/chris-schra/mcp-funnel-sub012/internal/registry"
	"github.com/chris-schra/mcp-funnel-sub012/internal/transport"
)

// DefaultConnectConcurrency bounds how many upstreams connect at once.
const DefaultConnectConcurrency = 8

// ManagerOptions collects the shared collaborators handed to every session.
type ManagerOptions struct {
	Cache    ToolCache
	AuthDeps AuthDeps
	Logger   *zap.Logger
}

// Manager owns all sessions. Construction failures for one upstream are
// recorded and reported in Status; they never prevent the others from
// being built or connected.
type Manager struct {
	logger   *zap.Logger
	cfg      *config.Config
	registry *registry.Registry
	factory  *transport.Factory

	mu            sync.RWMutex
	sessions      map[string]*Session
	order         []string
	constructErrs map[string]error
}

// NewManager builds a session per enabled upstream in config order.
func NewManager(cfg *config.Config, reg *registry.Registry, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:        logger.Named("manager"),
		cfg:           cfg,
		registry:      reg,
		factory:       transport.NewFactory(logger),
		sessions:      make(map[string]*Session),
		constructErrs: make(map[string]error),
	}

	for _, up := range cfg.Upstreams {
		if !up.Enabled {
			m.logger.Debug("skipping disabled upstream", zap.String("upstream", up.ID))
			continue
		}
		m.order = append(m.order, up.ID)
		sess, err := NewSession(SessionOptions{
			Config:   up,
			Registry: reg,
			Cache:    opts.Cache,
			Factory:  m.factory,
			AuthDeps: opts.AuthDeps,
			Logger:   logger,
		})
		if err != nil {
			m.logger.Error("upstream session construction failed",
				zap.String("upstream", up.ID), zap.Error(err))
			m.constructErrs[up.ID] = err
			continue
		}
		m.sessions[up.ID] = sess
	}
	return m
}

// NewManagerWithSessions builds a manager around pre-built sessions,
// bypassing the config-driven transport construction. Embedders and tests
// that inject their own transports use this.
func NewManagerWithSessions(cfg *config.Config, reg *registry.Registry, sessions []*Session, logger *zap.Logger) *Manager {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:        logger.Named("manager"),
		cfg:           cfg,
		registry:      reg,
		factory:       transport.NewFactory(logger),
		sessions:      make(map[string]*Session, len(sessions)),
		constructErrs: make(map[string]error),
	}
	for _, sess := range sessions {
		m.order = append(m.order, sess.ID())
		m.sessions[sess.ID()] = sess
	}
	return m
}

// Session returns the session for an upstream id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns all sessions in config order.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, id := range m.order {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// ConnectAll connects every session in parallel with bounded concurrency.
// Individual failures are logged and reflected in Status; the first error is
// returned as a summary signal but never aborts the remaining connects.
func (m *Manager) ConnectAll(ctx context.Context) error {
	sessions := m.Sessions()
	concurrency := m.cfg.ConnectConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConnectConcurrency
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				errOnce.Do(func() { firstErr = ctx.Err() })
				return
			}
			defer func() { <-sem }()

			if err := sess.Connect(ctx); err != nil {
				m.logger.Warn("upstream connect failed",
					zap.String("upstream", sess.ID()), zap.Error(err))
				errOnce.Do(func() { firstErr = err })
			}
		}(sess)
	}
	wg.Wait()

	m.logger.Info("upstream connects settled",
		zap.Int("upstreams", len(sessions)),
		zap.Int("connected", m.countConnected()))
	return firstErr
}

// DisconnectAll closes every session in parallel and waits until they finish
// or ctx expires; sessions still closing at the deadline are orphaned with a
// warning rather than blocking shutdown.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	sessions := m.Sessions()

	type doneMsg struct{ id string }
	done := make(chan doneMsg, len(sessions))
	for _, sess := range sessions {
		go func(sess *Session) {
			if err := sess.Disconnect(); err != nil {
				m.logger.Debug("disconnect error",
					zap.String("upstream", sess.ID()), zap.Error(err))
			}
			done <- doneMsg{id: sess.ID()}
		}(sess)
	}

	remaining := make(map[string]struct{}, len(sessions))
	for _, sess := range sessions {
		remaining[sess.ID()] = struct{}{}
	}
	for len(remaining) > 0 {
		select {
		case msg := <-done:
			delete(remaining, msg.id)
		case <-ctx.Done():
			for id := range remaining {
				m.logger.Warn("upstream orphaned at shutdown", zap.String("upstream", id))
			}
			return fmt.Errorf("shutdown budget exhausted with %d upstreams still closing", len(remaining))
		}
	}
	_ = m.factory.CloseAll()
	return nil
}

// Reconnect resets and reconnects one upstream by id.
func (m *Manager) Reconnect(ctx context.Context, id string) error {
	sess, ok := m.Session(id)
	if !ok {
		return fmt.Errorf("unknown upstream %q", id)
	}
	return sess.Reconnect(ctx)
}

// Status reports every configured upstream in config order, including the
// ones whose sessions could not be constructed.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.order))
	for _, id := range m.order {
		if sess, ok := m.sessions[id]; ok {
			out = append(out, sess.Status())
			continue
		}
		st := Status{
			ID:        id,
			State:     reconnect.StateFailed,
			StateName: reconnect.StateFailed.String(),
		}
		if err := m.constructErrs[id]; err != nil {
			st.LastError = err.Error()
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) countConnected() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.State() == reconnect.StateConnected {
			n++
		}
	}
	return n
}
