package host

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/protocol"
)

// TabHandler is the relay living in a tab. It answers direct messages and
// observes broadcasts.
type TabHandler interface {
	HandleBackground(ctx context.Context, msg *protocol.Envelope) (json.RawMessage, error)
}

type tab struct {
	id      string
	origin  string
	handler TabHandler
	seq     uint64
}

// Tabs is the in-process tab registry. It implements Broadcaster,
// TabMessenger and TabOpener.
type Tabs struct {
	logger zerolog.Logger

	mu     sync.Mutex
	tabs   map[string]*tab
	seq    uint64
	opened []string
}

// NewTabs returns an empty registry.
func NewTabs(logger zerolog.Logger) *Tabs {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Tabs{
		logger: logger.With().Str("component", "tabs").Logger(),
		tabs:   make(map[string]*tab),
	}
}

// Register attaches a relay. The returned function detaches it.
func (t *Tabs) Register(id, origin string, h TabHandler) func() {
	t.mu.Lock()
	t.seq++
	t.tabs[id] = &tab{id: id, origin: origin, handler: h, seq: t.seq}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.tabs, id)
		t.mu.Unlock()
	}
}

// Touch marks a tab as the most recently active one.
func (t *Tabs) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tb, ok := t.tabs[id]; ok {
		t.seq++
		tb.seq = t.seq
	}
}

// Broadcast delivers msg to every tab. Failures are logged, not returned, so
// one broken tab cannot hide the message from the others.
func (t *Tabs) Broadcast(ctx context.Context, msg *protocol.Envelope) error {
	for _, tb := range t.snapshot() {
		if _, err := tb.handler.HandleBackground(ctx, msg); err != nil {
			t.logger.Warn().Err(err).Str("tab_id", tb.id).Str("type", msg.Type).Msg("host: broadcast delivery failed")
		}
	}
	return nil
}

func (t *Tabs) SendToTab(ctx context.Context, tabID string, msg *protocol.Envelope) (json.RawMessage, error) {
	tb, err := t.lookup(tabID)
	if err != nil {
		return nil, err
	}
	return tb.handler.HandleBackground(ctx, msg)
}

// OpenTab records the url and returns a fresh id. The page it names registers
// itself once it loads.
func (t *Tabs) OpenTab(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	t.mu.Lock()
	t.opened = append(t.opened, url)
	t.mu.Unlock()
	t.logger.Info().Str("tab_id", id).Str("url", url).Msg("host: tab opened")
	return id, nil
}

// Opened returns the urls passed to OpenTab.
func (t *Tabs) Opened() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.opened...)
}

// Len returns the number of registered tabs.
func (t *Tabs) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tabs)
}

func (t *Tabs) lookup(id string) (*tab, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id != "" {
		tb, ok := t.tabs[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoTab, id)
		}
		return tb, nil
	}
	var latest *tab
	for _, tb := range t.tabs {
		if latest == nil || tb.seq > latest.seq {
			latest = tb
		}
	}
	if latest == nil {
		return nil, ErrNoTab
	}
	return latest, nil
}

func (t *Tabs) snapshot() []*tab {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*tab, 0, len(t.tabs))
	for _, tb := range t.tabs {
		out = append(out, tb)
	}
	return out
}

// RecordingPoster keeps every posted message. It is the page channel in tests
// and the fallback when no page is attached.
type RecordingPoster struct {
	mu       sync.Mutex
	messages []Posted
}

// Posted is one message written to the page channel.
type Posted struct {
	TargetOrigin string
	Message      any
}

func (p *RecordingPoster) Post(_ context.Context, targetOrigin string, msg any) error {
	p.mu.Lock()
	p.messages = append(p.messages, Posted{TargetOrigin: targetOrigin, Message: msg})
	p.mu.Unlock()
	return nil
}

// Messages returns a copy of everything posted so far.
func (p *RecordingPoster) Messages() []Posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Posted(nil), p.messages...)
}
