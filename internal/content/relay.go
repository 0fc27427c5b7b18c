// Package content is the relay that lives with a page. It serves the
// page-facing protocol on a router, talks to the injected wallet bridge and
// passes everything else to the background service.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/dedup"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/ratelimit"
	"github.com/example/wallet-bridge/internal/router"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/wallet"
)

// Background is the background service as seen from a tab.
type Background interface {
	Handle(ctx context.Context, env *protocol.Envelope) (json.RawMessage, error)
}

// Sessions is the session view of the tab.
type Sessions interface {
	GetSession(ctx context.Context) (*session.Session, error)
	SetSession(ctx context.Context, s *session.Session) error
	ClearSession(ctx context.Context) error
	SyncSession(ctx context.Context) (*session.Session, session.Source, error)
	Subscribe(fn func(session.Change)) func()
}

// Config tunes the relay.
type Config struct {
	TabID          string
	TargetOrigin   string
	AllowedOrigins []string
	DedupTimeout   time.Duration
	RateLimit      ratelimit.Config
	Router         router.Config
	Wallet         wallet.Config
}

// Dependencies collects the relay's collaborators.
type Dependencies struct {
	Poster      host.Poster
	Background  Background
	Sessions    Sessions
	Broadcaster host.Broadcaster
	Activity    host.Activity // told about the tab on every accepted page message
	Reporter    host.Reporter
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Relay bridges one page to the background service.
type Relay struct {
	cfg         Config
	poster      host.Poster
	background  Background
	sessions    Sessions
	broadcaster host.Broadcaster
	activity    host.Activity
	allowOrigin func(string) bool
	router      *router.Router
	wallet      *wallet.Relay
	logger      zerolog.Logger
	now         func() time.Time

	closeOnce   sync.Once
	unsubscribe func()
}

// NewRelay wires the page-facing router, the wallet relay and the session
// change feed.
func NewRelay(cfg Config, deps Dependencies) (*Relay, error) {
	if deps.Poster == nil {
		return nil, errors.New("content: poster is required")
	}
	if deps.Background == nil {
		return nil, errors.New("content: background is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("content: sessions dependency is required")
	}
	if cfg.TargetOrigin == "" {
		cfg.TargetOrigin = "*"
	}
	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	log = log.With().Str("component", "content_relay").Str("tab_id", cfg.TabID).Logger()
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	allowOrigin := originAllowList(cfg.AllowedOrigins)
	cfg.Router.Namespaced = true
	rt, err := router.New(cfg.Router, router.Dependencies{
		Sink:        router.PageSink{Poster: deps.Poster, TargetOrigin: cfg.TargetOrigin},
		AllowOrigin: allowOrigin,
		Limiter:     ratelimit.NewBucket(cfg.RateLimit, now),
		Tracker:     dedup.NewTracker(cfg.DedupTimeout, now),
		Reporter:    deps.Reporter,
		Logger:      log,
		Now:         now,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Wallet.TargetOrigin == "" {
		cfg.Wallet.TargetOrigin = cfg.TargetOrigin
	}
	wr, err := wallet.NewRelay(cfg.Wallet, wallet.Dependencies{Poster: deps.Poster, Logger: log, Now: now})
	if err != nil {
		return nil, err
	}

	r := &Relay{
		cfg:         cfg,
		poster:      deps.Poster,
		background:  deps.Background,
		sessions:    deps.Sessions,
		broadcaster: deps.Broadcaster,
		activity:    deps.Activity,
		allowOrigin: allowOrigin,
		router:      rt,
		wallet:      wr,
		logger:      log,
		now:         now,
	}
	r.registerRoutes()
	wr.OnEvent(r.onWalletEvent)
	r.unsubscribe = deps.Sessions.Subscribe(r.onSessionChange)
	return r, nil
}

// Close stops the session change feed.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
	})
}

// Router exposes the page-facing router, for its log and stats.
func (r *Relay) Router() *router.Router { return r.router }

// HandlePage consumes one message read from the page channel. Wallet bridge
// results go to the wallet relay; protocol requests go through the router.
// Nothing from an untrusted origin reaches the wallet relay.
func (r *Relay) HandlePage(ctx context.Context, raw []byte, origin string) bool {
	if r.allowOrigin != nil && !r.allowOrigin(origin) {
		// the router rejects and records protocol messages from this origin
		return r.router.Route(ctx, raw, origin)
	}
	handled := r.dispatch(ctx, raw, origin)
	if handled && r.activity != nil {
		r.activity.Touch(r.cfg.TabID)
	}
	return handled
}

func (r *Relay) dispatch(ctx context.Context, raw []byte, origin string) bool {
	if r.wallet.Deliver(raw) {
		return true
	}
	env, ok := protocol.Decode(raw)
	if !ok {
		return false
	}
	switch env.Type {
	case protocol.TypeWalletConnect, protocol.TypeWalletSign:
		return r.router.RouteWithDeduplication(ctx, raw, origin, router.DedupOptions{WaitForExisting: true})
	default:
		return r.router.Route(ctx, raw, origin)
	}
}

func originAllowList(origins []string) func(string) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = struct{}{}
	}
	return func(origin string) bool {
		_, ok := allowed[origin]
		return ok
	}
}

// callBackground sends msgType to the background service and decodes its
// reply into out.
func (r *Relay) callBackground(ctx context.Context, msgType string, payload any, out any) error {
	env, err := protocol.NewEnvelope(protocol.Envelope{Type: msgType}, r.now()).WithPayload(payload)
	if err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "encode %s: %v", msgType, err)
	}
	raw, err := r.background.Handle(ctx, env)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocol.Errorf(protocol.CodeUnknown, "malformed %s reply: %v", msgType, err)
	}
	return nil
}

func (r *Relay) onWalletEvent(msg wallet.Message) {
	if r.broadcaster == nil {
		return
	}
	msgType := protocol.TypeAccountsChanged
	if msg.Type == wallet.TypeChainChanged {
		msgType = protocol.TypeChainChanged
	}
	env := protocol.NewEnvelope(protocol.Envelope{Type: msgType, Payload: msg.Payload}, r.now())
	if err := r.broadcaster.Broadcast(context.Background(), env); err != nil {
		r.logger.Warn().Err(err).Str("type", msgType).Msg("content: provider event broadcast failed")
	}
}

// SessionChanged is posted to the page whenever the stored session changes.
// The token is never included.
type SessionChanged struct {
	Type      string           `json:"type"`
	Change    string           `json:"change"`
	Session   *session.Session `json:"session"`
	Timestamp int64            `json:"timestamp"`
}

func (r *Relay) onSessionChange(c session.Change) {
	msg := SessionChanged{
		Type:      protocol.TypeSessionChanged,
		Change:    string(c.Type),
		Session:   redact(c.Current),
		Timestamp: c.Timestamp,
	}
	if err := r.poster.Post(context.Background(), r.cfg.TargetOrigin, msg); err != nil {
		r.logger.Warn().Err(err).Msg("content: failed to post session change")
	}
}

func redact(s *session.Session) *session.Session {
	if s == nil {
		return nil
	}
	out := *s
	out.SessionToken = ""
	return &out
}
