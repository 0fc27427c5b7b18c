package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisArea is an Area backed by Redis. Keys are namespaced with a prefix and
// every mutation is published on a change channel so that Watch works across
// processes.
type RedisArea struct {
	client  redis.UniversalClient
	name    string
	prefix  string
	channel string
	logger  zerolog.Logger
}

// NewRedisArea wires an area on top of an existing client.
func NewRedisArea(client redis.UniversalClient, name, prefix string, logger zerolog.Logger) (*RedisArea, error) {
	if client == nil {
		return nil, errors.New("storage: redis client is required")
	}
	if name == "" {
		return nil, errors.New("storage: area name is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &RedisArea{
		client:  client,
		name:    name,
		prefix:  prefix + name + ":",
		channel: prefix + name + ":changes",
		logger:  logger.With().Str("component", "redis_area").Str("tier", name).Logger(),
	}, nil
}

func (r *RedisArea) Name() string { return r.name }

func (r *RedisArea) key(k string) string { return r.prefix + k }

func (r *RedisArea) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: redis get %s: %w", key, err)
	}
	return val, nil
}

// Set writes value and publishes the change. SET with GET returns the previous
// value atomically.
func (r *RedisArea) Set(ctx context.Context, key string, value []byte) error {
	prev, err := r.client.SetArgs(ctx, r.key(key), value, redis.SetArgs{Get: true}).Result()
	var old []byte
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("storage: redis set %s: %w", key, err)
	default:
		old = []byte(prev)
	}
	if old != nil && string(old) == string(value) {
		return nil
	}
	r.publish(ctx, Change{Tier: r.name, Key: key, Old: old, New: clone(value)})
	return nil
}

func (r *RedisArea) Remove(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		old, err := r.client.GetDel(ctx, r.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("storage: redis remove %s: %w", key, err)
		}
		r.publish(ctx, Change{Tier: r.name, Key: key, Old: old})
	}
	return nil
}

// Watch subscribes to the change channel. fn runs on the subscription
// goroutine; stop closes the subscription and waits for it to drain.
func (r *RedisArea) Watch(fn func(Change)) func() {
	ctx, cancel := context.WithCancel(context.Background())
	sub := r.client.Subscribe(ctx, r.channel)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range sub.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				r.logger.Warn().Err(err).Msg("storage: discarding malformed change event")
				continue
			}
			fn(c)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := sub.Close(); err != nil {
				r.logger.Debug().Err(err).Msg("storage: closing change subscription")
			}
			wg.Wait()
		})
	}
}

func (r *RedisArea) publish(ctx context.Context, c Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		r.logger.Error().Err(err).Str("key", c.Key).Msg("storage: failed to encode change event")
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Error().Err(err).Str("key", c.Key).Msg("storage: failed to publish change event")
	}
}

// DialRedis connects to addr and pings it before returning.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: redis ping %s: %w", addr, err)
	}
	return client, nil
}
