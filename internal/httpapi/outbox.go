package httpapi

import (
	"context"
	"sync"
)

// DefaultOutboxCapacity bounds the messages kept for a page between polls.
const DefaultOutboxCapacity = 256

// Outbox is the page channel of one tab. Everything the relay posts to the
// page outside of a request (wallet bridge requests, session changes,
// provider events) waits here until the page polls. When full, the oldest
// message is dropped.
type Outbox struct {
	mu       sync.Mutex
	messages []any
	capacity int
	dropped  int
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultOutboxCapacity
	}
	return &Outbox{capacity: capacity}
}

func (o *Outbox) Post(_ context.Context, _ string, msg any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.messages) == o.capacity {
		o.messages = o.messages[1:]
		o.dropped++
	}
	o.messages = append(o.messages, msg)
	return nil
}

// Drain returns and forgets everything queued.
func (o *Outbox) Drain() []any {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.messages
	o.messages = nil
	return out
}

// Dropped counts messages lost to the capacity bound.
func (o *Outbox) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
