package host

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/protocol"
)

type handlerStub struct {
	mu    sync.Mutex
	got   []string
	reply json.RawMessage
	err   error
}

func (h *handlerStub) HandleBackground(_ context.Context, msg *protocol.Envelope) (json.RawMessage, error) {
	h.mu.Lock()
	h.got = append(h.got, msg.Type)
	h.mu.Unlock()
	return h.reply, h.err
}

func (h *handlerStub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.got...)
}

func TestTabsBroadcastReachesEveryTab(t *testing.T) {
	tabs := NewTabs(zerolog.Nop())
	a := &handlerStub{}
	b := &handlerStub{err: errors.New("tab closed")}
	tabs.Register("a", "https://app.example", a)
	tabs.Register("b", "https://app.example", b)

	if err := tabs.Broadcast(context.Background(), &protocol.Envelope{Type: protocol.TypeConnect}); err != nil {
		t.Fatalf("broadcast must not surface tab failures: %v", err)
	}
	if len(a.types()) != 1 || len(b.types()) != 1 {
		t.Fatalf("expected every tab to receive the broadcast")
	}
}

func TestTabsSendToTabPicksMostRecent(t *testing.T) {
	tabs := NewTabs(zerolog.Nop())
	if _, err := tabs.SendToTab(context.Background(), "", &protocol.Envelope{Type: "PING"}); !errors.Is(err, ErrNoTab) {
		t.Fatalf("expected ErrNoTab, got %v", err)
	}

	first := &handlerStub{reply: json.RawMessage(`"first"`)}
	second := &handlerStub{reply: json.RawMessage(`"second"`)}
	tabs.Register("one", "", first)
	unregister := tabs.Register("two", "", second)

	got, err := tabs.SendToTab(context.Background(), "", &protocol.Envelope{Type: "PING"})
	if err != nil || string(got) != `"second"` {
		t.Fatalf("expected latest tab, got %s, %v", got, err)
	}

	tabs.Touch("one")
	got, _ = tabs.SendToTab(context.Background(), "", &protocol.Envelope{Type: "PING"})
	if string(got) != `"first"` {
		t.Fatalf("touch must make the tab most recent, got %s", got)
	}

	unregister()
	if tabs.Len() != 1 {
		t.Fatalf("expected one tab after unregister, got %d", tabs.Len())
	}
	if _, err := tabs.SendToTab(context.Background(), "two", &protocol.Envelope{Type: "PING"}); !errors.Is(err, ErrNoTab) {
		t.Fatalf("expected ErrNoTab for removed tab, got %v", err)
	}
}

func TestTabsOpenTab(t *testing.T) {
	tabs := NewTabs(zerolog.Nop())
	id, err := tabs.OpenTab(context.Background(), "https://auth.example/login")
	if err != nil || id == "" {
		t.Fatalf("open tab: %q, %v", id, err)
	}
	if opened := tabs.Opened(); len(opened) != 1 || opened[0] != "https://auth.example/login" {
		t.Fatalf("unexpected opened urls %v", opened)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tabs.OpenTab(ctx, "https://auth.example"); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

type broadcasterFunc func(ctx context.Context, msg *protocol.Envelope) error

func (f broadcasterFunc) Broadcast(ctx context.Context, msg *protocol.Envelope) error { return f(ctx, msg) }

func TestMultiBroadcasterContinuesPastFailures(t *testing.T) {
	var calls int
	failing := broadcasterFunc(func(context.Context, *protocol.Envelope) error {
		calls++
		return errors.New("kafka down")
	})
	ok := broadcasterFunc(func(context.Context, *protocol.Envelope) error {
		calls++
		return nil
	})

	err := MultiBroadcaster{failing, nil, ok}.Broadcast(context.Background(), &protocol.Envelope{Type: protocol.TypeConnect})
	if err == nil || calls != 2 {
		t.Fatalf("expected joined error after both members ran, got %v (%d calls)", err, calls)
	}
}

func TestHeartbeat(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	hb := NewHeartbeat(func() time.Time { return at }, zerolog.Nop())
	for i := 0; i < 3; i++ {
		if err := hb.Extend(context.Background()); err != nil {
			t.Fatalf("extend: %v", err)
		}
	}
	if hb.Count() != 3 || !hb.Last().Equal(at) {
		t.Fatalf("unexpected heartbeat state %d %s", hb.Count(), hb.Last())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := hb.Extend(ctx); err == nil || hb.Count() != 3 {
		t.Fatalf("cancelled extend must fail without counting")
	}
}

func TestRecordingPoster(t *testing.T) {
	p := &RecordingPoster{}
	_ = p.Post(context.Background(), "https://app.example", map[string]string{"type": "X"})
	msgs := p.Messages()
	if len(msgs) != 1 || msgs[0].TargetOrigin != "https://app.example" {
		t.Fatalf("unexpected posted %+v", msgs)
	}
}
