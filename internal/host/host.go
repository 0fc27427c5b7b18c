// Package host defines the capabilities the bridge needs from the platform it
// runs on, with in-process implementations.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/protocol"
)

// Broadcaster fans a message out to every open tab.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg *protocol.Envelope) error
}

// TabMessenger delivers a message to one tab's relay and returns its reply.
// An empty tabID addresses the most recently active tab.
type TabMessenger interface {
	SendToTab(ctx context.Context, tabID string, msg *protocol.Envelope) (json.RawMessage, error)
}

// TabOpener opens a new tab at url and returns its id.
type TabOpener interface {
	OpenTab(ctx context.Context, url string) (string, error)
}

// Activity records which tab the user last interacted with.
type Activity interface {
	Touch(tabID string)
}

// Keepalive is told before every wallet or network call so the host does not
// recycle the process mid-step.
type Keepalive interface {
	Extend(ctx context.Context) error
}

// Poster writes into the page's message channel.
type Poster interface {
	Post(ctx context.Context, targetOrigin string, msg any) error
}

// Reporter is the error telemetry collaborator.
type Reporter interface {
	Report(err error, fields map[string]any)
}

// ErrNoTab is returned when a message has no tab to go to.
var ErrNoTab = errors.New("host: no tab available")

// MultiBroadcaster broadcasts through each member in order, continuing past
// failures and returning them joined.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(ctx context.Context, msg *protocol.Envelope) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Broadcast(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter reports errors to a zerolog logger.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter returns a reporter writing at error level.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogReporter{logger: logger.With().Str("component", "error_reporter").Logger()}
}

func (r *LogReporter) Report(err error, fields map[string]any) {
	if err == nil {
		return
	}
	r.logger.Error().Err(err).Fields(fields).Msg("reported error")
}

// Heartbeat is a Keepalive that records extensions. Hosts without a process
// lifetime limit only need the bookkeeping.
type Heartbeat struct {
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	count int
	last  time.Time
}

// NewHeartbeat returns a Heartbeat using now as its clock.
func NewHeartbeat(now func() time.Time, logger zerolog.Logger) *Heartbeat {
	if now == nil {
		now = time.Now
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Heartbeat{now: now, logger: logger}
}

func (h *Heartbeat) Extend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	h.count++
	h.last = h.now()
	h.mu.Unlock()
	h.logger.Trace().Msg("host: keepalive extended")
	return nil
}

// Count returns how many times Extend succeeded.
func (h *Heartbeat) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Last returns the time of the latest extension.
func (h *Heartbeat) Last() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}
