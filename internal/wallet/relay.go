// Package wallet speaks the relay sub-protocol with the wallet bridge injected
// into the page. Requests and results are correlated by type alone, so at most
// one request of each type is outstanding; concurrent callers share it.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/dedup"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/protocol"
)

// Namespace prefixes every relay message type.
const Namespace = "SIWE_WALLET_"

// Relay message types.
const (
	TypeCheck         = Namespace + "CHECK"
	TypeCheckResult   = Namespace + "CHECK_RESULT"
	TypeConnect       = Namespace + "CONNECT"
	TypeConnectResult = Namespace + "CONNECT_RESULT"
	TypeSign          = Namespace + "SIGN"
	TypeSignResult    = Namespace + "SIGN_RESULT"
	TypeRequest       = Namespace + "REQUEST"
	TypeRequestResult = Namespace + "REQUEST_RESULT"

	// Unsolicited provider events.
	TypeAccountsChanged = Namespace + "ACCOUNTS_CHANGED"
	TypeChainChanged    = Namespace + "CHAIN_CHANGED"
)

var resultTypes = map[string]string{
	TypeCheck:   TypeCheckResult,
	TypeConnect: TypeConnectResult,
	TypeSign:    TypeSignResult,
	TypeRequest: TypeRequestResult,
}

const (
	// DefaultTimeout bounds a wallet round trip, user interaction included.
	DefaultTimeout = 45 * time.Second
	// DefaultCheckTimeout bounds the presence check. The bridge answers it
	// without user interaction.
	DefaultCheckTimeout = 3 * time.Second
)

// Message is the relay wire shape.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Failure        `json:"error,omitempty"`
}

// Failure is an error reported by the bridge.
type Failure struct {
	Code    protocol.Code `json:"code"`
	Message string        `json:"message"`
}

// CheckResult reports whether a provider is injected in the page.
type CheckResult struct {
	Available  bool   `json:"available"`
	WalletName string `json:"walletName,omitempty"`
}

// ConnectResult is the outcome of an account request.
type ConnectResult struct {
	Address    string   `json:"address"`
	Accounts   []string `json:"accounts,omitempty"`
	ChainID    int64    `json:"chainId"`
	WalletName string   `json:"walletName,omitempty"`
}

// SignRequest asks for a personal_sign over Message.
type SignRequest struct {
	Message string `json:"message"`
	Address string `json:"address"`
}

type signResult struct {
	Signature string `json:"signature"`
}

// RPCRequest is an opaque EIP-1193 request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Config tunes the relay.
type Config struct {
	TargetOrigin string
	Timeout      time.Duration
	CheckTimeout time.Duration
}

// Dependencies collects the relay's collaborators.
type Dependencies struct {
	Poster  host.Poster
	Tracker *dedup.Tracker
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Relay sends wallet requests into the page and matches their results.
type Relay struct {
	cfg     Config
	poster  host.Poster
	tracker *dedup.Tracker
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Message
	events  []func(Message)
}

// NewRelay returns a relay posting through deps.Poster.
func NewRelay(cfg Config, deps Dependencies) (*Relay, error) {
	if deps.Poster == nil {
		return nil, errors.New("wallet: poster is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if cfg.TargetOrigin == "" {
		cfg.TargetOrigin = "*"
	}
	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = dedup.NewTracker(cfg.Timeout, deps.Now)
	}
	return &Relay{
		cfg:     cfg,
		poster:  deps.Poster,
		tracker: tracker,
		logger:  log.With().Str("component", "wallet_relay").Logger(),
		pending: make(map[string]chan Message),
	}, nil
}

// OnEvent registers fn for unsolicited provider events.
func (r *Relay) OnEvent(fn func(Message)) {
	r.mu.Lock()
	r.events = append(r.events, fn)
	r.mu.Unlock()
}

// Check asks whether a provider is injected. A bridge that does not answer in
// time counts as no wallet.
func (r *Relay) Check(ctx context.Context) (*CheckResult, error) {
	var out CheckResult
	err := r.roundTrip(ctx, TypeCheck, nil, r.cfg.CheckTimeout, &out)
	if protocol.CodeOf(err) == protocol.CodeRequestTimeout {
		return &CheckResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect requests accounts. It fails with NO_WALLET_DETECTED when the page
// has no provider.
func (r *Relay) Connect(ctx context.Context) (*ConnectResult, error) {
	check, err := r.Check(ctx)
	if err != nil {
		return nil, err
	}
	if !check.Available {
		return nil, protocol.ErrNoWallet
	}

	var out ConnectResult
	if err := r.roundTrip(ctx, TypeConnect, nil, r.cfg.Timeout, &out); err != nil {
		return nil, err
	}
	if out.Address == "" && len(out.Accounts) > 0 {
		out.Address = out.Accounts[0]
	}
	if out.Address == "" {
		return nil, protocol.Errorf(protocol.CodeWalletConnectionFailed, "wallet returned no accounts")
	}
	if out.WalletName == "" {
		out.WalletName = check.WalletName
	}
	return &out, nil
}

// Sign asks the wallet to sign message with address.
func (r *Relay) Sign(ctx context.Context, req SignRequest) (string, error) {
	var out signResult
	if err := r.roundTrip(ctx, TypeSign, req, r.cfg.Timeout, &out); err != nil {
		return "", err
	}
	if out.Signature == "" {
		return "", protocol.Errorf(protocol.CodeSigningFailed, "wallet returned an empty signature")
	}
	return out.Signature, nil
}

// Request passes an EIP-1193 request through untouched and returns the raw
// result.
func (r *Relay) Request(ctx context.Context, req RPCRequest) (json.RawMessage, error) {
	if req.Method == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidRequest, "rpc method is required")
	}
	var out json.RawMessage
	if err := r.roundTrip(ctx, TypeRequest, req, r.cfg.Timeout, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Deliver feeds a message read from the page channel into the relay. It
// reports whether the message belonged to the relay.
func (r *Relay) Deliver(raw []byte) bool {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return false
	}

	if msg.Type == TypeAccountsChanged || msg.Type == TypeChainChanged {
		r.mu.Lock()
		events := append(([]func(Message))(nil), r.events...)
		r.mu.Unlock()
		for _, fn := range events {
			fn(msg)
		}
		return true
	}

	r.mu.Lock()
	ch, ok := r.pending[msg.Type]
	if ok {
		delete(r.pending, msg.Type)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- msg
	return true
}

// roundTrip posts a request of type reqType and decodes the matching result
// into out. Concurrent callers of the same type share one request.
func (r *Relay) roundTrip(ctx context.Context, reqType string, payload any, timeout time.Duration, out any) error {
	val, err := r.tracker.Do(ctx, reqType, dedup.WaitForExisting, func(ctx context.Context) (any, error) {
		return r.send(ctx, reqType, payload, timeout)
	})
	if err != nil {
		return err
	}
	msg := val.(Message)
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return protocol.Errorf(protocol.CodeWalletConnectionFailed, "malformed %s: %v", msg.Type, err)
	}
	return nil
}

func (r *Relay) send(ctx context.Context, reqType string, payload any, timeout time.Duration) (Message, error) {
	resultType := resultTypes[reqType]
	req := Message{Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, protocol.Errorf(protocol.CodeInvalidRequest, "encode %s: %v", reqType, err)
		}
		req.Payload = raw
	}

	ch := make(chan Message, 1)
	r.mu.Lock()
	r.pending[resultType] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.pending[resultType] == ch {
			delete(r.pending, resultType)
		}
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.poster.Post(ctx, r.cfg.TargetOrigin, req); err != nil {
		return Message{}, protocol.Wrap(protocol.CodeWalletConnectionFailed, fmt.Errorf("wallet: post %s: %w", reqType, err))
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			code := msg.Error.Code
			if !code.Known() {
				r.logger.Warn().Str("type", msg.Type).Str("code", string(code)).Msg("wallet: bridge reported an unknown error code")
				code = protocol.CodeWalletConnectionFailed
			}
			return Message{}, protocol.NewError(code, msg.Error.Message)
		}
		return msg, nil
	case <-ctx.Done():
		r.logger.Warn().Str("type", reqType).Dur("timeout", timeout).Msg("wallet: no result before deadline")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Message{}, protocol.Errorf(protocol.CodeRequestTimeout, "wallet did not answer %s in time", reqType)
		}
		return Message{}, ctx.Err()
	}
}
