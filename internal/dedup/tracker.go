// Package dedup guards against concurrent operations of the same kind. Entries
// are keyed by operation type only, never by payload.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/wallet-bridge/internal/protocol"
)

// DefaultTimeout is how long an unsettled entry is trusted before it is
// treated as stale.
const DefaultTimeout = 60 * time.Second

// Policy decides what a second caller gets while an operation is in flight.
type Policy int

const (
	// RejectDuplicate fails the newcomer with ALREADY_IN_PROGRESS.
	RejectDuplicate Policy = iota
	// WaitForExisting hands the newcomer the result of the live operation.
	WaitForExisting
)

func (p Policy) String() string {
	if p == WaitForExisting {
		return "wait"
	}
	return "reject"
}

type entry struct {
	start time.Time
	call  *Call
}

// Tracker holds at most one live entry per key.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]entry
	timeout time.Duration
	now     func() time.Time
}

// NewTracker returns an empty tracker. Non-positive timeouts fall back to
// DefaultTimeout; a nil clock falls back to time.Now.
func NewTracker(timeout time.Duration, now func() time.Time) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		entries: make(map[string]entry),
		timeout: timeout,
		now:     now,
	}
}

// IsInFlight purges stale entries and then reports whether key is live.
func (t *Tracker) IsInFlight(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked()
	_, ok := t.entries[key]
	return ok
}

// Handle returns the live call for key.
func (t *Tracker) Handle(key string) (*Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeLocked()
	e, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	return e.call, true
}

// MarkInFlight records call under key. The entry is dropped as soon as call
// settles, whatever the outcome.
func (t *Tracker) MarkInFlight(key string, call *Call) {
	t.mu.Lock()
	t.entries[key] = entry{start: t.now(), call: call}
	t.mu.Unlock()

	call.onSettle(func() { t.release(key, call) })
}

// Remove evicts key regardless of its state.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// Len reports the number of entries, stale ones included.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Do runs fn under key. If an operation of the same kind is already live the
// policy decides between sharing its result and rejecting. When ctx ends
// before fn returns, the call settles with the context error and fn's
// eventual result is discarded.
func (t *Tracker) Do(ctx context.Context, key string, policy Policy, fn func(context.Context) (any, error)) (any, error) {
	t.mu.Lock()
	t.purgeLocked()
	if e, ok := t.entries[key]; ok {
		t.mu.Unlock()
		if policy == RejectDuplicate {
			return nil, protocol.Errorf(protocol.CodeAlreadyInProgress, "%s already in progress", key)
		}
		return e.call.Wait(ctx)
	}
	call := NewCall()
	t.entries[key] = entry{start: t.now(), call: call}
	t.mu.Unlock()
	call.onSettle(func() { t.release(key, call) })

	go func() {
		defer func() {
			if r := recover(); r != nil {
				call.Resolve(nil, fmt.Errorf("dedup: %s panicked: %v", key, r))
			}
		}()
		val, err := fn(ctx)
		call.Resolve(val, err)
	}()

	select {
	case <-call.Done():
	case <-ctx.Done():
		call.Resolve(nil, ctx.Err())
	}
	return call.result()
}

func (t *Tracker) release(key string, call *Call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[key]; ok && e.call == call {
		delete(t.entries, key)
	}
}

func (t *Tracker) purgeLocked() {
	now := t.now()
	for k, e := range t.entries {
		if now.Sub(e.start) > t.timeout {
			delete(t.entries, k)
		}
	}
}
