package oauth

import (
	"context"
	"sync"
)

// flowWaiter carries one flow outcome to everyone who joined it. result
// is written before done closes and never after.
type flowWaiter struct {
	done   chan struct{}
	result error
}

// flowGate serializes token acquisition per provider. The first caller
// runs the flow; callers arriving while it is in flight observe the same
// outcome instead of starting their own. Token requests therefore never
// execute in parallel for one upstream.
type flowGate struct {
	mu       sync.Mutex
	inflight *flowWaiter
}

func (g *flowGate) run(ctx context.Context, fn func() error) error {
	g.mu.Lock()
	if w := g.inflight; w != nil {
		g.mu.Unlock()
		select {
		case <-w.done:
			return w.result
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w := &flowWaiter{done: make(chan struct{})}
	g.inflight = w
	g.mu.Unlock()

	w.result = fn()

	g.mu.Lock()
	g.inflight = nil
	g.mu.Unlock()
	close(w.done)
	return w.result
}
