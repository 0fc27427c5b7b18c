// Package publisher fans broadcast envelopes out to other bridge instances
// through Kafka.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/protocol"
)

// Header names carried on every broadcast record.
const (
	HeaderInstance    = "x-bridge-instance"
	HeaderType        = "x-bridge-type"
	HeaderContentType = "content-type"
)

var errProducerNotInitialised = errors.New("kafka publisher: producer not initialised")

// SyncProducer is the subset of the producer the publisher needs.
type SyncProducer interface {
	PublishSync(ctx context.Context, topic string, key []byte, headers map[string][]byte, payload []byte) error
}

// ErrProducerNotInitialised exposes the sentinel error for callers and tests.
func ErrProducerNotInitialised() error {
	return errProducerNotInitialised
}

// BroadcastPublisher implements host.Broadcaster on top of a Kafka topic.
// Records are keyed by message type and tagged with the publishing instance
// so that consumers can skip their own broadcasts.
type BroadcastPublisher struct {
	producer SyncProducer
	topic    string
	instance string
	logger   zerolog.Logger
}

// NewBroadcastPublisher returns nil when prod is nil.
func NewBroadcastPublisher(prod SyncProducer, topic, instance string, logger zerolog.Logger) *BroadcastPublisher {
	if prod == nil {
		return nil
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &BroadcastPublisher{
		producer: prod,
		topic:    topic,
		instance: instance,
		logger:   logger.With().Str("component", "broadcast_publisher").Logger(),
	}
}

// Broadcast publishes msg synchronously.
func (p *BroadcastPublisher) Broadcast(ctx context.Context, msg *protocol.Envelope) error {
	if p == nil || p.producer == nil {
		return errProducerNotInitialised
	}
	if msg == nil {
		return errors.New("kafka publisher: message is required")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("kafka publisher: marshal broadcast: %w", err)
	}
	headers := map[string][]byte{
		HeaderContentType: []byte("application/json"),
		HeaderInstance:    []byte(p.instance),
		HeaderType:        []byte(msg.Type),
	}
	if err := p.producer.PublishSync(ctx, p.topic, []byte(msg.Type), headers, payload); err != nil {
		return fmt.Errorf("kafka publisher: publish %s: %w", msg.Type, err)
	}
	p.logger.Debug().Str("type", msg.Type).Str("request_id", msg.RequestID).Msg("kafka publisher: broadcast published")
	return nil
}
