// Package router is the single entry point for inbound protocol messages. It
// validates, throttles and deduplicates them, invokes the registered handler
// and emits exactly one response or structured error through a sink.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/dedup"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/ratelimit"
)

// Request is what a handler receives.
type Request struct {
	Envelope *protocol.Envelope
	Origin   string
}

// Decode unmarshals the payload into v.
func (r *Request) Decode(v any) error {
	if err := r.Envelope.DecodePayload(v); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "malformed payload: %v", err)
	}
	return nil
}

// Handler serves one message type. The returned value becomes the payload of
// the success response.
type Handler func(ctx context.Context, req *Request) (any, error)

// Route describes how a message type is served.
type Route struct {
	Handler Handler
	// ResponseType is the type of the success reply; empty sends no reply.
	ResponseType string
	// RequiredFields must be present and non-null in the payload object.
	RequiredFields []string
	// RateLimitExempt types never consume limiter tokens.
	RateLimitExempt bool
}

// Config toggles the router's checks.
type Config struct {
	ValidateVersion   bool
	ValidateTimestamp bool
	MaxMessageAge     time.Duration
	HandlerTimeout    time.Duration
	LogCapacity       int
	// Namespaced restricts accepted types to the page-facing namespace.
	Namespaced bool
}

// Dependencies collects the router's collaborators.
type Dependencies struct {
	Sink Sink
	// AllowOrigin is the origin allow-list predicate. Nil allows every origin.
	AllowOrigin func(origin string) bool
	Limiter     *ratelimit.Bucket
	Tracker     *dedup.Tracker
	Reporter    host.Reporter
	Logger      zerolog.Logger
	Now         func() time.Time
}

// DedupOptions selects the collision policy of RouteWithDeduplication.
type DedupOptions struct {
	WaitForExisting bool
}

// Router dispatches protocol messages to registered handlers.
type Router struct {
	cfg         Config
	sink        Sink
	allowOrigin func(string) bool
	limiter     *ratelimit.Bucket
	tracker     *dedup.Tracker
	reporter    host.Reporter
	logger      zerolog.Logger
	now         func() time.Time
	log         *messageLog

	mu     sync.RWMutex
	routes map[string]Route
}

// New constructs a router.
func New(cfg Config, deps Dependencies) (*Router, error) {
	if deps.Sink == nil {
		return nil, errors.New("router: sink is required")
	}
	if cfg.MaxMessageAge <= 0 {
		cfg.MaxMessageAge = protocol.DefaultMaxAge
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewBucket(ratelimit.DefaultConfig, now)
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = dedup.NewTracker(dedup.DefaultTimeout, now)
	}

	return &Router{
		cfg:         cfg,
		sink:        deps.Sink,
		allowOrigin: deps.AllowOrigin,
		limiter:     limiter,
		tracker:     tracker,
		reporter:    deps.Reporter,
		logger:      logger.With().Str("component", "message_router").Logger(),
		now:         now,
		log:         newMessageLog(cfg.LogCapacity),
		routes:      make(map[string]Route),
	}, nil
}

// Register installs the route for msgType, replacing any previous one.
func (r *Router) Register(msgType string, route Route) {
	if route.Handler == nil {
		panic(fmt.Sprintf("router: nil handler for %s", msgType))
	}
	r.mu.Lock()
	r.routes[msgType] = route
	r.mu.Unlock()
	if route.RateLimitExempt {
		r.limiter.Exempt(msgType)
	}
}

// Types returns the registered message types, sorted.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for t := range r.routes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Route processes one raw inbound message from origin. It reports whether the
// message was handled; untyped, foreign and unregistered messages are not.
func (r *Router) Route(ctx context.Context, raw []byte, origin string) bool {
	return r.route(ctx, raw, origin, nil)
}

// RouteWithDeduplication is Route with the handler invocation guarded by the
// deduplication tracker, keyed by message type. By default a duplicate is
// rejected with ALREADY_IN_PROGRESS; with WaitForExisting it receives the
// live operation's result under its own request id.
func (r *Router) RouteWithDeduplication(ctx context.Context, raw []byte, origin string, opts DedupOptions) bool {
	policy := dedup.RejectDuplicate
	if opts.WaitForExisting {
		policy = dedup.WaitForExisting
	}
	return r.route(ctx, raw, origin, &policy)
}

// Log returns the message log, oldest first.
func (r *Router) Log() []LogEntry { return r.log.snapshot() }

// ClearLog empties the message log.
func (r *Router) ClearLog() { r.log.clear() }

// Stats summarises the message log.
func (r *Router) Stats() Stats { return computeStats(r.log.snapshot()) }

func (r *Router) route(ctx context.Context, raw []byte, origin string, policy *dedup.Policy) bool {
	env, ok := protocol.Decode(raw)
	if !ok {
		return false
	}
	if r.cfg.Namespaced && !protocol.InNamespace(env.Type) {
		return false
	}
	start := r.now()

	if r.allowOrigin != nil && !r.allowOrigin(origin) {
		r.logger.Warn().Str("type", env.Type).Str("origin", origin).Msg("router: rejected message from untrusted origin")
		r.record(env, origin, start, protocol.CodeUnauthorizedSender)
		return false
	}

	if r.cfg.ValidateVersion && !env.VersionSupported() {
		r.fail(ctx, env, origin, start, protocol.Errorf(protocol.CodeInvalidRequest,
			"unsupported protocol version %q (minimum %s)", env.Version, protocol.MinimumVersion))
		return true
	}
	if r.cfg.ValidateTimestamp && !env.TimestampValid(r.cfg.MaxMessageAge, r.now()) {
		r.fail(ctx, env, origin, start, protocol.Errorf(protocol.CodeRequestTimeout, "message timestamp outside accepted window"))
		return true
	}

	r.mu.RLock()
	route, registered := r.routes[env.Type]
	r.mu.RUnlock()
	if !registered {
		return false
	}

	if !route.RateLimitExempt && !r.limiter.Allow(env.Type) {
		r.fail(ctx, env, origin, start, protocol.Errorf(protocol.CodeRequestTimeout, "too many requests"))
		return true
	}

	if missing := missingFields(env.Payload, route.RequiredFields); len(missing) > 0 {
		r.fail(ctx, env, origin, start, protocol.Errorf(protocol.CodeInvalidRequest,
			"missing required fields: %s", strings.Join(missing, ", ")))
		return true
	}

	req := &Request{Envelope: env, Origin: origin}
	var (
		result any
		err    error
	)
	if policy != nil {
		result, err = r.tracker.Do(ctx, env.Type, *policy, func(ctx context.Context) (any, error) {
			return r.invoke(ctx, route, req)
		})
	} else {
		result, err = r.invoke(ctx, route, req)
	}
	if err != nil {
		r.fail(ctx, env, origin, start, err)
		return true
	}

	if route.ResponseType != "" {
		r.emit(ctx, &protocol.Response{Type: route.ResponseType, RequestID: env.RequestID, Payload: result})
	}
	r.record(env, origin, start, "")
	r.logger.Debug().
		Str("type", env.Type).
		Str("request_id", env.RequestID).
		Dur("elapsed", r.now().Sub(start)).
		Msg("router: message handled")
	return true
}

// invoke runs the handler with the configured timeout and turns panics into
// errors.
func (r *Router) invoke(ctx context.Context, route Route, req *Request) (result any, err error) {
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			err = protocol.Errorf(protocol.CodeUnknown, "handler panicked: %v", p)
		}
	}()
	return route.Handler(ctx, req)
}

func (r *Router) fail(ctx context.Context, env *protocol.Envelope, origin string, start time.Time, err error) {
	resp := protocol.NewErrorResponse(err, env.Type, env.RequestID)
	r.emit(ctx, resp)
	r.record(env, origin, start, resp.Code)

	evt := r.logger.Warn()
	if resp.Code == protocol.CodeUnknown {
		evt = r.logger.Error()
		if r.reporter != nil {
			r.reporter.Report(err, map[string]any{"type": env.Type, "request_id": env.RequestID})
		}
	}
	evt.Err(err).
		Str("type", env.Type).
		Str("request_id", env.RequestID).
		Str("code", string(resp.Code)).
		Msg("router: message failed")
}

func (r *Router) emit(ctx context.Context, msg any) {
	sink := r.sink
	if override, ok := sinkFrom(ctx); ok {
		sink = override
	}
	if err := sink.Send(ctx, msg); err != nil {
		r.logger.Error().Err(err).Msg("router: failed to emit response")
	}
}

func (r *Router) record(env *protocol.Envelope, origin string, start time.Time, code protocol.Code) {
	r.log.add(LogEntry{
		Timestamp:      start,
		Type:           env.Type,
		RequestID:      env.RequestID,
		Origin:         origin,
		Direction:      Inbound,
		Success:        code == "",
		ErrorCode:      code,
		ProcessingTime: r.now().Sub(start),
	})
}

// missingFields lists required keys absent or null in the payload object.
func missingFields(payload json.RawMessage, required []string) []string {
	if len(required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &obj)
	}
	var missing []string
	for _, f := range required {
		v, ok := obj[f]
		if !ok || string(v) == "null" {
			missing = append(missing, f)
		}
	}
	return missing
}
