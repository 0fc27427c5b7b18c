package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestMemoryAreaGetMissingKey(t *testing.T) {
	a := NewMemoryArea(TierEphemeral)
	v, err := a.Get(context.Background(), "nope")
	if err != nil || v != nil {
		t.Fatalf("expected nil, nil for missing key, got %v, %v", v, err)
	}
}

func TestMemoryAreaNotifiesWatchers(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArea(TierPersistent)

	var changes []Change
	stop := a.Watch(func(c Change) { changes = append(changes, c) })

	_ = a.Set(ctx, "address", []byte("0xabc"))
	_ = a.Set(ctx, "address", []byte("0xabc"))
	_ = a.Set(ctx, "address", []byte("0xdef"))
	_ = a.Remove(ctx, "address", "missing")

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes (unchanged write suppressed), got %d: %+v", len(changes), changes)
	}
	if changes[0].Old != nil || string(changes[0].New) != "0xabc" {
		t.Fatalf("unexpected create change %+v", changes[0])
	}
	if string(changes[1].Old) != "0xabc" || string(changes[1].New) != "0xdef" {
		t.Fatalf("unexpected update change %+v", changes[1])
	}
	if string(changes[2].Old) != "0xdef" || changes[2].New != nil || changes[2].Tier != TierPersistent {
		t.Fatalf("unexpected remove change %+v", changes[2])
	}

	stop()
	stop()
	_ = a.Set(ctx, "chainId", []byte("1"))
	if len(changes) != 3 {
		t.Fatalf("expected no notifications after stop")
	}
}

func TestMemoryAreaWatcherMayWriteBack(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArea(TierEphemeral)
	a.Watch(func(c Change) {
		if c.Key == "trigger" {
			_ = a.Set(ctx, "echo", c.New)
		}
	})
	_ = a.Set(ctx, "trigger", []byte("x"))
	if v, _ := a.Get(ctx, "echo"); string(v) != "x" {
		t.Fatalf("expected watcher write to land, got %q", v)
	}
}

func TestMemoryAreaReturnsCopies(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArea(TierEphemeral)
	in := []byte("token")
	_ = a.Set(ctx, "k", in)
	in[0] = 'X'
	out, _ := a.Get(ctx, "k")
	out[1] = 'Y'
	again, _ := a.Get(ctx, "k")
	if string(again) != "token" {
		t.Fatalf("stored value was aliased: %q", again)
	}
}

func TestMemoryAreaClear(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArea(TierEphemeral)
	_ = a.Set(ctx, "a", []byte("1"))
	_ = a.Set(ctx, "b", []byte("2"))
	removed := 0
	a.Watch(func(c Change) {
		if c.New == nil {
			removed++
		}
	})
	if err := a.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}
}

func TestMemoryAreaHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewMemoryArea(TierEphemeral)
	if err := a.Set(ctx, "k", []byte("v")); err == nil {
		t.Fatalf("expected error on cancelled context")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArea(TierPersistent)
	type rec struct {
		State string `json:"state"`
	}
	if err := SetJSON(ctx, a, "authFlow", rec{State: "IDLE"}); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var out rec
	found, err := GetJSON(ctx, a, "authFlow", &out)
	if err != nil || !found || out.State != "IDLE" {
		t.Fatalf("unexpected get json result found=%v err=%v out=%+v", found, err, out)
	}
	found, err = GetJSON(ctx, a, "missing", &out)
	if err != nil || found {
		t.Fatalf("expected missing key to be not found")
	}
	_ = a.Set(ctx, "bad", []byte("{"))
	if _, err := GetJSON(ctx, a, "bad", &out); err == nil {
		t.Fatalf("expected decode error")
	}
}

// Runs against a real server when REDIS_TEST_ADDR is set.
func TestRedisAreaRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	area, err := NewRedisArea(client, TierPersistent, "wallet-bridge-test:", zerolog.Nop())
	if err != nil {
		t.Fatalf("new redis area: %v", err)
	}

	got := make(chan Change, 4)
	stop := area.Watch(func(c Change) { got <- c })
	defer stop()
	// give the subscription a moment to register
	time.Sleep(100 * time.Millisecond)

	if err := area.Set(ctx, "address", []byte("0xabc")); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, err := area.Get(ctx, "address")
	if err != nil || string(v) != "0xabc" {
		t.Fatalf("get: %q %v", v, err)
	}
	if err := area.Remove(ctx, "address"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case c := <-got:
			if c.Key != "address" {
				t.Fatalf("unexpected change %+v", c)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for change %d", i+1)
		}
	}
}

func TestNewRedisAreaValidates(t *testing.T) {
	if _, err := NewRedisArea(nil, TierPersistent, "", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := NewRedisArea(client, "", "", zerolog.Nop()); err == nil {
		t.Fatalf("expected error for empty name")
	}
}
