package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/kafka/publisher"
	"github.com/example/wallet-bridge/internal/protocol"
)

type broadcastStub struct {
	got []*protocol.Envelope
	err error
}

func (b *broadcastStub) Broadcast(_ context.Context, msg *protocol.Envelope) error {
	b.got = append(b.got, msg)
	return b.err
}

func record(instance, value string) *Record {
	return &Record{
		Topic:   "bridge.broadcast",
		Value:   []byte(value),
		Headers: map[string][]byte{publisher.HeaderInstance: []byte(instance)},
	}
}

func TestBroadcastHandlerDeliversForeignRecords(t *testing.T) {
	local := &broadcastStub{}
	h := BroadcastHandler("me", local, zerolog.Nop())

	if err := h(context.Background(), record("other", `{"type":"CONNECT","payload":{"address":"0xabc"}}`)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(local.got) != 1 || local.got[0].Type != protocol.TypeConnect {
		t.Fatalf("unexpected deliveries %+v", local.got)
	}
}

func TestBroadcastHandlerSkipsOwnAndGarbage(t *testing.T) {
	local := &broadcastStub{}
	h := BroadcastHandler("me", local, zerolog.Nop())

	_ = h(context.Background(), record("me", `{"type":"CONNECT"}`))
	_ = h(context.Background(), record("other", `not json`))
	if len(local.got) != 0 {
		t.Fatalf("expected nothing delivered, got %d", len(local.got))
	}
}

func TestBroadcastHandlerSurfacesDeliveryError(t *testing.T) {
	boom := errors.New("no tabs")
	h := BroadcastHandler("me", &broadcastStub{err: boom}, zerolog.Nop())
	if err := h(context.Background(), record("other", `{"type":"DISCONNECT_EVENT"}`)); !errors.Is(err, boom) {
		t.Fatalf("expected delivery error, got %v", err)
	}
}

func TestNewRecordCopiesHeaders(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Topic:   "t",
		Offset:  7,
		Value:   []byte("v"),
		Headers: []*sarama.RecordHeader{{Key: []byte("k"), Value: []byte("x")}, nil},
	}
	r := newRecord(msg)
	msg.Value[0] = 'z'
	if string(r.Value) != "v" || string(r.Headers["k"]) != "x" || r.Offset != 7 {
		t.Fatalf("unexpected record %+v", r)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	if _, err := New(nil, "g", zerolog.Nop()); err == nil {
		t.Fatalf("expected error without brokers")
	}
	if _, err := New([]string{"localhost:9092"}, "", zerolog.Nop()); err == nil {
		t.Fatalf("expected error without group id")
	}
}
