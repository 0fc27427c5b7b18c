package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/storage"
)

// Storage keys. The token lives in the ephemeral tier; a token found in the
// persistent tier is legacy data.
const (
	KeySessionToken  = "sessionToken"
	KeyAddress       = "address"
	KeyChainID       = "chainId"
	KeyAccountMode   = "accountMode"
	KeyLastConnected = "lastConnected"
	KeyConnectedAt   = "connectedAt"
	KeyExpiresAt     = "expiresAt"
)

var persistentKeys = []string{
	KeyAddress, KeyChainID, KeyAccountMode, KeyLastConnected,
	KeyConnectedAt, KeyExpiresAt, KeySessionToken,
}

// Source names which tier satisfied SyncSession.
type Source string

const (
	SourceStorage Source = "storage"
	SourceAPI     Source = "api"
	SourceNone    Source = "none"
)

// Remote is the backend fallback. FetchSession returns (nil, nil) when the
// backend knows no authenticated session; Forget drops the credential it
// fetches with.
type Remote interface {
	FetchSession(ctx context.Context) (*Session, error)
	Forget(ctx context.Context) error
}

// Reporter receives listener failures.
type Reporter interface {
	Report(err error, fields map[string]any)
}

// Dependencies collects the collaborators of a Manager.
type Dependencies struct {
	Ephemeral  storage.Area
	Persistent storage.Area
	Remote     Remote
	Reporter   Reporter
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Manager owns the session keys in both tiers and fans out changes.
type Manager struct {
	ephemeral  storage.Area
	persistent storage.Area
	remote     Remote
	reporter   Reporter
	logger     zerolog.Logger
	now        func() time.Time

	// suppresses watcher refreshes while the manager writes several keys
	writing atomic.Int32

	mu        sync.Mutex
	last      *Session
	listeners map[int]func(Change)
	nextID    int
	stops     []func()
}

// NewManager builds a manager and starts watching both tiers.
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Ephemeral == nil {
		return nil, errors.New("session: ephemeral area is required")
	}
	if deps.Persistent == nil {
		return nil, errors.New("session: persistent area is required")
	}
	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		ephemeral:  deps.Ephemeral,
		persistent: deps.Persistent,
		remote:     deps.Remote,
		reporter:   deps.Reporter,
		logger:     log.With().Str("component", "session_manager").Logger(),
		now:        now,
		listeners:  make(map[int]func(Change)),
	}

	if current, err := m.GetSession(context.Background()); err == nil {
		m.last = current
	}
	m.stops = append(m.stops,
		m.ephemeral.Watch(m.onStorageChange),
		m.persistent.Watch(m.onStorageChange),
	)
	return m, nil
}

// Close stops watching the storage tiers.
func (m *Manager) Close() {
	m.mu.Lock()
	stops := m.stops
	m.stops = nil
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// GetSession reads the reconciled session. It returns nil unless both a token
// and an address are present.
func (m *Manager) GetSession(ctx context.Context) (*Session, error) {
	token, err := m.readString(ctx, m.ephemeral, KeySessionToken)
	if err != nil {
		return nil, err
	}
	if token == "" {
		if token, err = m.readString(ctx, m.persistent, KeySessionToken); err != nil {
			return nil, err
		}
	}
	address, err := m.readString(ctx, m.persistent, KeyAddress)
	if err != nil {
		return nil, err
	}
	if token == "" || address == "" {
		return nil, nil
	}

	s := &Session{
		Address:      NormalizeAddress(address),
		SessionToken: token,
		ChainID:      DefaultChainID,
		AccountMode:  AccountModeLive,
	}
	if v, err := m.readInt(ctx, KeyChainID); err != nil {
		return nil, err
	} else if v != 0 {
		s.ChainID = v
	}
	if mode, err := m.readString(ctx, m.persistent, KeyAccountMode); err != nil {
		return nil, err
	} else if mode != "" {
		s.AccountMode = mode
	}
	if s.ConnectedAt, err = m.readInt(ctx, KeyConnectedAt); err != nil {
		return nil, err
	}
	if s.ExpiresAt, err = m.readInt(ctx, KeyExpiresAt); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSession merges s over the stored session and writes both tiers. The
// token goes to the ephemeral tier and any legacy persistent copy is removed.
func (m *Manager) SetSession(ctx context.Context, s *Session) error {
	if s == nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "session is required")
	}
	incoming := *s
	incoming.Address = NormalizeAddress(incoming.Address)
	if !IsValidAddress(incoming.Address) {
		return protocol.Errorf(protocol.CodeInvalidRequest, "invalid address %q", s.Address)
	}

	existing, err := m.GetSession(ctx)
	if err != nil {
		return protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	if existing != nil {
		// a different wallet or a dead session starts a new connection
		if ok, _ := Validate(existing, m.now()); !ok || existing.Address != incoming.Address {
			existing = nil
		}
	}
	merged := MergeSession(existing, &incoming)
	now := m.now().UnixMilli()
	if merged.ConnectedAt == 0 {
		merged.ConnectedAt = now
	}
	if merged.ChainID == 0 {
		merged.ChainID = DefaultChainID
	}
	if merged.AccountMode == "" {
		merged.AccountMode = AccountModeLive
	}

	m.writing.Add(1)
	err = m.write(ctx, merged, now)
	m.writing.Add(-1)
	if err != nil {
		return protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}

	m.logger.Info().
		Str("address", merged.Address).
		Int64("chain_id", merged.ChainID).
		Str("token_fp", logger.Fingerprint(merged.SessionToken)).
		Msg("session: stored")
	m.refresh(ctx)
	return nil
}

func (m *Manager) write(ctx context.Context, s *Session, now int64) error {
	fields := map[string]string{
		KeyAddress:       s.Address,
		KeyChainID:       strconv.FormatInt(s.ChainID, 10),
		KeyAccountMode:   s.AccountMode,
		KeyLastConnected: strconv.FormatInt(now, 10),
		KeyConnectedAt:   strconv.FormatInt(s.ConnectedAt, 10),
	}
	if s.ExpiresAt != 0 {
		fields[KeyExpiresAt] = strconv.FormatInt(s.ExpiresAt, 10)
	}
	for _, key := range []string{KeyAddress, KeyChainID, KeyAccountMode, KeyLastConnected, KeyConnectedAt, KeyExpiresAt} {
		v, ok := fields[key]
		if !ok {
			if err := m.persistent.Remove(ctx, key); err != nil {
				return err
			}
			continue
		}
		if err := m.persistent.Set(ctx, key, []byte(v)); err != nil {
			return err
		}
	}
	if s.SessionToken != "" {
		if err := m.ephemeral.Set(ctx, KeySessionToken, []byte(s.SessionToken)); err != nil {
			return err
		}
		if err := m.persistent.Remove(ctx, KeySessionToken); err != nil {
			return err
		}
	}
	return nil
}

// ClearSession removes the session from both tiers and makes the backend
// fallback forget it, so a later SyncSession cannot bring it back.
func (m *Manager) ClearSession(ctx context.Context) error {
	if m.remote != nil {
		if err := m.remote.Forget(ctx); err != nil {
			return protocol.Wrap(protocol.CodeSessionStorageFailed, err)
		}
	}
	return m.clearLocal(ctx)
}

func (m *Manager) clearLocal(ctx context.Context) error {
	m.writing.Add(1)
	err := m.ephemeral.Remove(ctx, KeySessionToken)
	if err == nil {
		err = m.persistent.Remove(ctx, persistentKeys...)
	}
	m.writing.Add(-1)
	if err != nil {
		return protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	m.logger.Info().Msg("session: cleared")
	m.refresh(ctx)
	return nil
}

// SyncSession returns the local session when it is valid. An expired or
// malformed local session is cleared before the backend is asked.
func (m *Manager) SyncSession(ctx context.Context) (*Session, Source, error) {
	local, err := m.GetSession(ctx)
	if err != nil {
		return nil, SourceNone, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	if local != nil {
		ok, reason := Validate(local, m.now())
		if ok {
			return local, SourceStorage, nil
		}
		m.logger.Info().Str("reason", reason).Msg("session: discarding invalid local session")
		if err := m.clearLocal(ctx); err != nil {
			return nil, SourceNone, err
		}
	}

	if m.remote == nil {
		return nil, SourceNone, nil
	}
	remote, err := m.remote.FetchSession(ctx)
	if err != nil {
		return nil, SourceNone, fmt.Errorf("session: fetch from api: %w", err)
	}
	if ok, _ := Validate(remote, m.now()); !ok || remote.SessionToken == "" {
		return nil, SourceNone, nil
	}
	if err := m.SetSession(ctx, remote); err != nil {
		return nil, SourceNone, err
	}
	stored, err := m.GetSession(ctx)
	if err != nil {
		return nil, SourceNone, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	return stored, SourceAPI, nil
}

// Subscribe registers fn for session changes and returns its unsubscribe
// function.
func (m *Manager) Subscribe(fn func(Change)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) onStorageChange(c storage.Change) {
	if m.writing.Load() > 0 || !isSessionKey(c.Key) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.refresh(ctx)
}

// refresh recomputes the session and notifies listeners if it moved.
func (m *Manager) refresh(ctx context.Context) {
	current, err := m.GetSession(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("session: refresh failed")
		return
	}

	m.mu.Lock()
	prev := m.last
	kind, changed := ClassifyChange(prev, current)
	if changed {
		m.last = current
	}
	listeners := make([]func(Change), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	change := Change{Type: kind, Previous: prev, Current: current, Timestamp: m.now().UnixMilli()}
	for _, fn := range listeners {
		m.dispatch(fn, change)
	}
}

func (m *Manager) dispatch(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session: listener panicked: %v", r)
			m.logger.Error().Err(err).Str("change", string(change.Type)).Msg("session: listener failed")
			if m.reporter != nil {
				m.reporter.Report(err, map[string]any{"change": string(change.Type)})
			}
		}
	}()
	fn(change)
}

func (m *Manager) readString(ctx context.Context, area storage.Area, key string) (string, error) {
	raw, err := area.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("session: read %s/%s: %w", area.Name(), key, err)
	}
	return string(raw), nil
}

func (m *Manager) readInt(ctx context.Context, key string) (int64, error) {
	raw, err := m.readString(ctx, m.persistent, key)
	if err != nil || raw == "" {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		m.logger.Warn().Str("key", key).Msg("session: ignoring malformed number")
		return 0, nil
	}
	return v, nil
}

func isSessionKey(key string) bool {
	for _, k := range persistentKeys {
		if k == key {
			return true
		}
	}
	return false
}
