package router

import (
	"context"
	"errors"
	"sync"

	"github.com/example/wallet-bridge/internal/host"
)

// Sink receives every response and error the router emits.
type Sink interface {
	Send(ctx context.Context, msg any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, msg any) error

func (f SinkFunc) Send(ctx context.Context, msg any) error { return f(ctx, msg) }

// PageSink posts into the page's message channel at a fixed target origin.
type PageSink struct {
	Poster       host.Poster
	TargetOrigin string
}

func (s PageSink) Send(ctx context.Context, msg any) error {
	if s.Poster == nil {
		return errors.New("router: page sink has no poster")
	}
	target := s.TargetOrigin
	if target == "" {
		target = "*"
	}
	return s.Poster.Post(ctx, target, msg)
}

type sinkKey struct{}

// WithSink returns a context whose router responses go to sink instead of the
// router's default sink.
func WithSink(ctx context.Context, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

func sinkFrom(ctx context.Context) (Sink, bool) {
	s, ok := ctx.Value(sinkKey{}).(Sink)
	return s, ok && s != nil
}

// Collector is a Sink that buffers messages, for request/response transports.
type Collector struct {
	mu       sync.Mutex
	messages []any
}

func (c *Collector) Send(_ context.Context, msg any) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	return nil
}

// Messages returns what was collected.
func (c *Collector) Messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.messages...)
}
