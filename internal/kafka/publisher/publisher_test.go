package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/protocol"
)

type producerStub struct {
	topic   string
	key     []byte
	headers map[string][]byte
	payload []byte
	err     error
}

func (s *producerStub) PublishSync(_ context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) error {
	s.topic, s.key, s.headers, s.payload = topic, key, headers, payload
	return s.err
}

func TestBroadcastPublishesEnvelope(t *testing.T) {
	stub := &producerStub{}
	pub := NewBroadcastPublisher(stub, "bridge.broadcast", "instance-a", zerolog.Nop())

	env := &protocol.Envelope{Type: protocol.TypeDisconnectEvent, RequestID: "r-1"}
	if err := pub.Broadcast(context.Background(), env); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if stub.topic != "bridge.broadcast" || string(stub.key) != protocol.TypeDisconnectEvent {
		t.Fatalf("unexpected topic/key %q %q", stub.topic, stub.key)
	}
	if string(stub.headers[HeaderInstance]) != "instance-a" || string(stub.headers[HeaderType]) != protocol.TypeDisconnectEvent {
		t.Fatalf("unexpected headers %v", stub.headers)
	}
	var got protocol.Envelope
	if err := json.Unmarshal(stub.payload, &got); err != nil || got.RequestID != "r-1" {
		t.Fatalf("unexpected payload %s %v", stub.payload, err)
	}
}

func TestBroadcastWrapsProducerError(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewBroadcastPublisher(&producerStub{err: boom}, "t", "i", zerolog.Nop())
	if err := pub.Broadcast(context.Background(), &protocol.Envelope{Type: protocol.TypeConnect}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped producer error, got %v", err)
	}
}

func TestNilPublisher(t *testing.T) {
	if NewBroadcastPublisher(nil, "t", "i", zerolog.Nop()) != nil {
		t.Fatalf("expected nil publisher without a producer")
	}
	var pub *BroadcastPublisher
	if err := pub.Broadcast(context.Background(), &protocol.Envelope{Type: protocol.TypeConnect}); !errors.Is(err, ErrProducerNotInitialised()) {
		t.Fatalf("expected not initialised error, got %v", err)
	}
}
