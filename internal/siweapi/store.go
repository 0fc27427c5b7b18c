package siweapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Nonce is an issued challenge waiting for its signature.
type Nonce struct {
	Value     string    `json:"value"`
	Address   string    `json:"address"`
	ChainID   int64     `json:"chainId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Session is a verified wallet session.
type Session struct {
	Token     string    `json:"token"`
	Address   string    `json:"address"`
	ChainID   int64     `json:"chainId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store keeps nonces and sessions. Nonces are single use: TakeNonce removes
// what it returns while GetNonce leaves it in place. Missing entries are
// reported as nil, nil.
type Store interface {
	PutNonce(ctx context.Context, n Nonce) error
	GetNonce(ctx context.Context, value string) (*Nonce, error)
	TakeNonce(ctx context.Context, value string) (*Nonce, error)
	PutSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	DeleteSession(ctx context.Context, token string) error
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	nonces   map[string]Nonce
	sessions map[string]Session
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		nonces:   make(map[string]Nonce),
		sessions: make(map[string]Session),
	}
}

func (m *MemoryStore) PutNonce(_ context.Context, n Nonce) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[n.Value] = n
	return nil
}

func (m *MemoryStore) GetNonce(_ context.Context, value string) (*Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[value]
	if !ok || !m.now().Before(n.ExpiresAt) {
		return nil, nil
	}
	return &n, nil
}

func (m *MemoryStore) TakeNonce(_ context.Context, value string) (*Nonce, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nonces[value]
	if !ok {
		return nil, nil
	}
	delete(m.nonces, value)
	if !m.now().Before(n.ExpiresAt) {
		return nil, nil
	}
	return &n, nil
}

func (m *MemoryStore) PutSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Token] = s
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[token]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(s.ExpiresAt) {
		delete(m.sessions, token)
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, token)
	return nil
}

// RedisStore keeps nonces and sessions as JSON values whose TTL matches
// their expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + "siwe:"}
}

func (r *RedisStore) nonceKey(v string) string   { return r.prefix + "nonce:" + v }
func (r *RedisStore) sessionKey(t string) string { return r.prefix + "session:" + t }

func (r *RedisStore) PutNonce(ctx context.Context, n Nonce) error {
	return r.put(ctx, r.nonceKey(n.Value), n, n.ExpiresAt)
}

func (r *RedisStore) GetNonce(ctx context.Context, value string) (*Nonce, error) {
	return r.nonce(r.client.Get(ctx, r.nonceKey(value)))
}

func (r *RedisStore) TakeNonce(ctx context.Context, value string) (*Nonce, error) {
	return r.nonce(r.client.GetDel(ctx, r.nonceKey(value)))
}

func (r *RedisStore) nonce(cmd *redis.StringCmd) (*Nonce, error) {
	val, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("siweapi: read nonce: %w", err)
	}
	var n Nonce
	if err := json.Unmarshal(val, &n); err != nil {
		return nil, fmt.Errorf("siweapi: failed to unmarshal nonce: %w", err)
	}
	return &n, nil
}

func (r *RedisStore) PutSession(ctx context.Context, s Session) error {
	return r.put(ctx, r.sessionKey(s.Token), s, s.ExpiresAt)
}

func (r *RedisStore) GetSession(ctx context.Context, token string) (*Session, error) {
	val, err := r.client.Get(ctx, r.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("siweapi: get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, fmt.Errorf("siweapi: failed to unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, token string) error {
	return r.client.Del(ctx, r.sessionKey(token)).Err()
}

func (r *RedisStore) put(ctx context.Context, key string, v any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return errors.New("siweapi: expiry must be in the future")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("siweapi: failed to marshal: %w", err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}
