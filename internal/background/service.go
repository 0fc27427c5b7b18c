// Package background is the long-lived coordinator behind every tab. It owns
// the session, runs the authentication flow and forwards wallet operations to
// the tab that hosts the wallet.
package background

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/session"
)

// Sessions is the session store the service drives.
type Sessions interface {
	GetSession(ctx context.Context) (*session.Session, error)
	SetSession(ctx context.Context, s *session.Session) error
	ClearSession(ctx context.Context) error
	SyncSession(ctx context.Context) (*session.Session, session.Source, error)
}

// Authenticator runs the authentication flow.
type Authenticator interface {
	Start(ctx context.Context, tabID string) (*session.Session, error)
	Resume(ctx context.Context) (*session.Session, bool, error)
}

// Limiter throttles wallet methods across restarts.
type Limiter interface {
	Allow(ctx context.Context, method string) (bool, error)
}

// Logouter revokes a session token with the backend.
type Logouter interface {
	Logout(ctx context.Context, token string) error
}

// Config tunes the service.
type Config struct {
	AuthPageURL    string
	MaxConcurrency int
	RequestTimeout time.Duration
}

// Dependencies collects the runtime collaborators of the service.
type Dependencies struct {
	Sessions    Sessions
	Auth        Authenticator
	Limiter     Limiter
	Backend     Logouter
	Messenger   host.TabMessenger
	Opener      host.TabOpener
	Broadcaster host.Broadcaster
	Reporter    host.Reporter
	Logger      zerolog.Logger
	Now         func() time.Time
}

type handlerFunc func(ctx context.Context, env *protocol.Envelope) (any, error)

// Service answers background-internal messages.
type Service struct {
	cfg         Config
	sessions    Sessions
	auth        Authenticator
	limiter     Limiter
	backend     Logouter
	messenger   host.TabMessenger
	opener      host.TabOpener
	broadcaster host.Broadcaster
	reporter    host.Reporter
	logger      zerolog.Logger
	now         func() time.Time

	semaphore *semaphore.Weighted
	handlers  map[string]handlerFunc

	ready     atomic.Bool
	readyCh   chan struct{}
	readyOnce sync.Once
}

// NewService validates the collaborators and returns a service that is not yet
// ready. Only PING is answered before Init completes.
func NewService(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Sessions == nil {
		return nil, errors.New("background: sessions dependency is required")
	}
	if deps.Messenger == nil {
		return nil, errors.New("background: tab messenger dependency is required")
	}
	if cfg.MaxConcurrency < 1 {
		return nil, errors.New("background: max concurrency must be >= 1")
	}

	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	broadcaster := deps.Broadcaster
	if broadcaster == nil {
		broadcaster = host.MultiBroadcaster(nil)
	}

	s := &Service{
		cfg:         cfg,
		sessions:    deps.Sessions,
		auth:        deps.Auth,
		limiter:     deps.Limiter,
		backend:     deps.Backend,
		messenger:   deps.Messenger,
		opener:      deps.Opener,
		broadcaster: broadcaster,
		reporter:    deps.Reporter,
		logger:      log.With().Str("component", "background").Logger(),
		now:         now,
		semaphore:   semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		readyCh:     make(chan struct{}),
	}
	s.handlers = map[string]handlerFunc{
		protocol.TypeRequestAccounts: s.forward,
		protocol.TypeSignMessage:     s.forward,
		protocol.TypeSendTransaction: s.forward,
		protocol.TypeSwitchChain:     s.forward,
		protocol.TypeAddChain:        s.forward,
		protocol.TypeRPCRequest:      s.forward,
		protocol.TypeBgGetSession:    s.getSession,
		protocol.TypeBgDisconnect:    s.disconnect,
		protocol.TypeOpenAuthTab:     s.openAuthTab,
		protocol.TypeAuthSuccess:     s.authSuccess,
		protocol.TypeStartAuth:       s.startAuth,
	}
	return s, nil
}

// Init reconciles the session, resumes an interrupted authentication flow and
// marks the service ready. The service becomes ready even when a step fails;
// failures are logged and reported.
func (s *Service) Init(ctx context.Context) {
	defer s.markReady()

	if _, source, err := s.sessions.SyncSession(ctx); err != nil {
		s.report(err, "sync_session")
	} else {
		s.logger.Info().Str("source", string(source)).Msg("background: session reconciled")
	}

	if s.auth == nil {
		return
	}
	// The resumed flow may wait on the wallet; it must not hold up readiness.
	go func() {
		if _, resumed, err := s.auth.Resume(ctx); err != nil {
			s.report(err, "resume_auth")
		} else if resumed {
			s.logger.Info().Msg("background: interrupted authentication flow completed")
		}
	}()
}

func (s *Service) markReady() {
	s.readyOnce.Do(func() {
		s.ready.Store(true)
		close(s.readyCh)
		s.logger.Info().Msg("background: ready")
	})
}

// Ready reports whether Init has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

// PingReply is the answer to PING.
type PingReply struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
	Ready     bool  `json:"ready"`
}

// Handle serves one background message and returns its JSON reply.
func (s *Service) Handle(ctx context.Context, env *protocol.Envelope) (json.RawMessage, error) {
	if env == nil || env.Type == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "message type is required")
	}
	if env.Type == protocol.TypePing {
		return json.Marshal(PingReply{Pong: true, Timestamp: s.now().UnixMilli(), Ready: s.Ready()})
	}

	h, ok := s.handlers[env.Type]
	if !ok {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "unknown message type %s", env.Type)
	}

	// the flow bounds each of its own wallet and backend calls
	if s.cfg.RequestTimeout > 0 && env.Type != protocol.TypeStartAuth {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case <-s.readyCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := s.semaphore.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.semaphore.Release(1)

	start := s.now()
	out, err := s.invoke(ctx, h, env)
	evt := s.logger.Debug()
	if err != nil {
		evt = s.logger.Warn().Err(err)
	}
	evt.Str("type", env.Type).
		Str("request_id", env.RequestID).
		Dur("elapsed", s.now().Sub(start)).
		Msg("background: message handled")
	if err != nil {
		return nil, err
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(out)
}

func (s *Service) invoke(ctx context.Context, h handlerFunc, env *protocol.Envelope) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = protocol.Errorf(protocol.CodeUnknown, "background handler panicked: %v", p)
			s.report(err, env.Type)
		}
	}()
	return h(ctx, env)
}

// forward passes a wallet operation to a tab after the per-method cooldown.
func (s *Service) forward(ctx context.Context, env *protocol.Envelope) (any, error) {
	if s.limiter != nil {
		ok, err := s.limiter.Allow(ctx, env.Type)
		if err != nil {
			return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
		}
		if !ok {
			return nil, protocol.Errorf(protocol.CodeRequestTimeout, "too many requests: %s is cooling down", env.Type)
		}
	}

	var target struct {
		TabID string `json:"tabId"`
	}
	_ = env.DecodePayload(&target)

	raw, err := s.messenger.SendToTab(ctx, target.TabID, env)
	if errors.Is(err, host.ErrNoTab) {
		return nil, protocol.Wrap(protocol.CodeNoWalletDetected, err)
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// SessionReply carries a session, or null when there is none.
type SessionReply struct {
	Session *session.Session `json:"session"`
}

func (s *Service) getSession(ctx context.Context, _ *protocol.Envelope) (any, error) {
	current, err := s.sessions.GetSession(ctx)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	if ok, _ := session.Validate(current, s.now()); !ok {
		current = nil
	}
	return SessionReply{Session: current}, nil
}

// Ack is the reply of operations without a result.
type Ack struct {
	Success bool   `json:"success"`
	TabID   string `json:"tabId,omitempty"`
}

func (s *Service) disconnect(ctx context.Context, _ *protocol.Envelope) (any, error) {
	current, err := s.sessions.GetSession(ctx)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	if current != nil && current.SessionToken != "" && s.backend != nil {
		if err := s.backend.Logout(ctx, current.SessionToken); err != nil {
			s.logger.Warn().Err(err).Str("token_fp", logger.Fingerprint(current.SessionToken)).Msg("background: backend logout failed")
		}
	}
	if err := s.sessions.ClearSession(ctx); err != nil {
		return nil, err
	}
	s.broadcast(ctx, protocol.TypeDisconnectEvent, nil)
	return Ack{Success: true}, nil
}

func (s *Service) openAuthTab(ctx context.Context, _ *protocol.Envelope) (any, error) {
	if s.opener == nil || s.cfg.AuthPageURL == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "authentication page is not configured")
	}
	id, err := s.opener.OpenTab(ctx, s.cfg.AuthPageURL)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeUnknown, err)
	}
	return Ack{Success: true, TabID: id}, nil
}

// AuthSuccess is the payload of AUTH_SUCCESS, sent by an authentication page
// that completed the handshake itself.
type AuthSuccess struct {
	SessionToken string `json:"sessionToken"`
	Address      string `json:"address"`
	ChainID      int64  `json:"chainId"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

func (s *Service) authSuccess(ctx context.Context, env *protocol.Envelope) (any, error) {
	var in AuthSuccess
	if err := env.DecodePayload(&in); err != nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "malformed AUTH_SUCCESS payload: %v", err)
	}
	if in.SessionToken == "" || in.Address == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "sessionToken and address are required")
	}
	next := &session.Session{
		Address:      in.Address,
		ChainID:      in.ChainID,
		SessionToken: in.SessionToken,
		ExpiresAt:    in.ExpiresAt,
	}
	if err := s.sessions.SetSession(ctx, next); err != nil {
		return nil, err
	}
	s.broadcast(ctx, protocol.TypeConnect, map[string]any{
		"address": session.NormalizeAddress(in.Address),
		"chainId": in.ChainID,
	})
	return Ack{Success: true}, nil
}

func (s *Service) startAuth(ctx context.Context, env *protocol.Envelope) (any, error) {
	if s.auth == nil {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "authentication is not configured")
	}
	var in struct {
		TabID string `json:"tabId"`
	}
	_ = env.DecodePayload(&in)
	sess, err := s.auth.Start(ctx, in.TabID)
	if err != nil {
		return nil, err
	}
	return SessionReply{Session: sess}, nil
}

func (s *Service) broadcast(ctx context.Context, msgType string, payload any) {
	env, err := protocol.NewEnvelope(protocol.Envelope{Type: msgType}, s.now()).WithPayload(payload)
	if err == nil {
		err = s.broadcaster.Broadcast(ctx, env)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("type", msgType).Msg("background: broadcast failed")
	}
}

func (s *Service) report(err error, op string) {
	s.logger.Error().Err(err).Str("op", op).Msg("background: operation failed")
	if s.reporter != nil {
		s.reporter.Report(err, map[string]any{"op": op})
	}
}
