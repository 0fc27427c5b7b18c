package dedup

import (
	"context"
	"sync"
)

// Call is the completion handle of one in-flight operation. It settles
// exactly once; later Resolve calls are ignored.
type Call struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	settled bool
	hooks   []func()

	val any
	err error
}

// NewCall returns an unsettled handle.
func NewCall() *Call {
	return &Call{done: make(chan struct{})}
}

// Resolve settles the call. Settle hooks run before Done is closed, so any
// waiter observing Done also observes the hooks' effects.
func (c *Call) Resolve(val any, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.mu.Lock()
		c.val, c.err = val, err
		c.settled = true
		hooks := c.hooks
		c.hooks = nil
		c.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx is done.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether Resolve has run.
func (c *Call) Settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled
}

func (c *Call) result() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, c.err
}

func (c *Call) onSettle(fn func()) {
	c.mu.Lock()
	if !c.settled {
		c.hooks = append(c.hooks, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}
