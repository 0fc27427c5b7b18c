// Package consumer receives broadcasts published by other bridge instances
// and hands them to the local tabs.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/kafka/publisher"
	"github.com/example/wallet-bridge/internal/protocol"
)

const (
	defaultClientID         = "wallet-bridge-consumer"
	defaultSessionTimeout   = 30 * time.Second
	defaultHeartbeat        = 3 * time.Second
	defaultRebalanceTimeout = 30 * time.Second
	defaultConsumeBackoff   = time.Second
)

// Handler is invoked for every record delivered by the consumer.
type Handler func(ctx context.Context, record *Record) error

// Option customises the consumer during construction.
type Option func(*options)

type options struct {
	config *sarama.Config
}

// WithConfig supplies a Sarama config. It is copied, the caller keeps
// ownership.
func WithConfig(cfg *sarama.Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.config = cfg
		}
	}
}

// Record is a Kafka message as seen by a Handler.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// Consumer wraps a Sarama consumer group. Offsets are auto-committed:
// broadcasts are notifications and are not replayed.
type Consumer struct {
	logger  zerolog.Logger
	group   sarama.ConsumerGroup
	groupID string

	ready atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errDone chan struct{}
}

// New joins groupID on brokers. Each bridge instance must use its own group so
// that every instance sees every broadcast.
func New(brokers []string, groupID string, logger zerolog.Logger, opts ...Option) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one broker is required")
	}
	if groupID == "" {
		return nil, errors.New("kafka consumer: group id is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	settings := &options{}
	for _, opt := range opts {
		if opt != nil {
			opt(settings)
		}
	}
	cfg := defaultConfig()
	if settings.config != nil {
		copied := *settings.config
		cfg = &copied
	}

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: create consumer group: %w", err)
	}
	c := &Consumer{
		logger:  logger.With().Str("component", "kafka_consumer").Str("group_id", groupID).Logger(),
		group:   group,
		groupID: groupID,
		errDone: make(chan struct{}),
	}
	go c.consumeErrors()
	return c, nil
}

// Consume blocks, feeding records of topics to handler until ctx is
// cancelled or the group is closed.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler Handler) error {
	if len(topics) == 0 {
		return errors.New("kafka consumer: at least one topic is required")
	}
	if handler == nil {
		return errors.New("kafka consumer: handler is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	defer c.wg.Done()

	gh := &groupHandler{consumer: c, handler: handler}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.group.Consume(ctx, topics, gh)
		if err == nil {
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		c.logger.Error().Err(err).Msg("kafka consumer: consume error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(defaultConsumeBackoff):
		}
	}
}

// IsReady reports whether the consumer currently holds a group session.
func (c *Consumer) IsReady() bool {
	return c.ready.Load()
}

// Close leaves the group and waits for Consume to return.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	err := c.group.Close()
	c.wg.Wait()
	<-c.errDone
	return err
}

func (c *Consumer) consumeErrors() {
	defer close(c.errDone)
	for err := range c.group.Errors() {
		if err != nil {
			c.logger.Error().Err(err).Msg("kafka consumer: group error")
		}
	}
}

// BroadcastHandler delivers broadcast records to local. Records published by
// instance itself are skipped since local tabs already received them.
func BroadcastHandler(instance string, local host.Broadcaster, logger zerolog.Logger) Handler {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return func(ctx context.Context, record *Record) error {
		if string(record.Headers[publisher.HeaderInstance]) == instance {
			return nil
		}
		env, ok := protocol.Decode(record.Value)
		if !ok {
			logger.Warn().
				Str("topic", record.Topic).
				Int64("offset", record.Offset).
				Msg("kafka consumer: dropping record that is not a protocol message")
			return nil
		}
		if err := local.Broadcast(ctx, env); err != nil {
			return fmt.Errorf("kafka consumer: deliver %s: %w", env.Type, err)
		}
		return nil
	}
}

type groupHandler struct {
	consumer *Consumer
	handler  Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(true)
	h.consumer.logger.Info().Msg("kafka consumer: group session started")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.consumer.ready.Store(false)
	h.consumer.logger.Info().Msg("kafka consumer: group session ended")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		record := newRecord(msg)
		if err := h.handler(session.Context(), record); err != nil {
			h.consumer.logger.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int32("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("kafka consumer: handler error")
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func newRecord(msg *sarama.ConsumerMessage) *Record {
	r := &Record{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       append([]byte(nil), msg.Key...),
		Value:     append([]byte(nil), msg.Value...),
		Timestamp: msg.Timestamp,
	}
	if len(msg.Headers) > 0 {
		r.Headers = make(map[string][]byte, len(msg.Headers))
		for _, h := range msg.Headers {
			if h == nil || len(h.Key) == 0 {
				continue
			}
			r.Headers[string(h.Key)] = append([]byte(nil), h.Value...)
		}
	}
	return r
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.ClientID = defaultClientID
	cfg.Consumer.Group.Session.Timeout = defaultSessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = defaultHeartbeat
	cfg.Consumer.Group.Rebalance.Timeout = defaultRebalanceTimeout
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Return.Errors = true
	return cfg
}
