// Package authflow drives the SIWE authentication handshake as a resumable
// state machine. The flow record is persisted before every side effect so a
// process that is killed mid-flow resumes at the one step it had not yet
// confirmed.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/api"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/siwe"
)

// DefaultFlowTTL bounds how long an untouched flow record stays resumable.
const DefaultFlowTTL = 5 * time.Minute

// Accounts is the wallet's answer to an account request.
type Accounts struct {
	Addresses []string
	ChainID   int64
}

// Wallet is the external signer, reached through the relay in tabID. An empty
// tabID lets the wallet pick the most recently active tab.
type Wallet interface {
	RequestAccounts(ctx context.Context, tabID string) (*Accounts, error)
	SignMessage(ctx context.Context, tabID, message, address string) (string, error)
}

// Backend issues challenges and verifies signatures.
type Backend interface {
	Challenge(ctx context.Context, req api.ChallengeRequest) (*api.Challenge, error)
	Verify(ctx context.Context, req api.VerifyRequest) (*api.VerifyResult, error)
}

// SessionWriter persists the session once the flow authenticates.
type SessionWriter interface {
	SetSession(ctx context.Context, s *session.Session) error
}

// Config tunes the machine.
type Config struct {
	FlowTTL        time.Duration
	DefaultChainID int64
	// Domain, URI and Statement describe the SIWE message built locally when
	// the backend returns only a nonce.
	Domain    string
	URI       string
	Statement string
}

// Dependencies collects the runtime collaborators of the machine.
type Dependencies struct {
	Store       *Store
	Wallet      Wallet
	Backend     Backend
	Sessions    SessionWriter
	Broadcaster host.Broadcaster
	Keepalive   host.Keepalive
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Machine runs authentication flows. One flow is live at a time.
type Machine struct {
	cfg         Config
	store       *Store
	wallet      Wallet
	backend     Backend
	sessions    SessionWriter
	broadcaster host.Broadcaster
	keepalive   host.Keepalive
	logger      zerolog.Logger
	now         func() time.Time
}

// NewMachine validates the collaborators and returns a machine.
func NewMachine(cfg Config, deps Dependencies) (*Machine, error) {
	if deps.Store == nil {
		return nil, errors.New("authflow: store is required")
	}
	if deps.Wallet == nil {
		return nil, errors.New("authflow: wallet is required")
	}
	if deps.Backend == nil {
		return nil, errors.New("authflow: backend is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("authflow: session writer is required")
	}
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = DefaultFlowTTL
	}
	if cfg.DefaultChainID <= 0 {
		cfg.DefaultChainID = session.DefaultChainID
	}

	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	keepalive := deps.Keepalive
	if keepalive == nil {
		keepalive = host.NewHeartbeat(now, log)
	}

	return &Machine{
		cfg:         cfg,
		store:       deps.Store,
		wallet:      deps.Wallet,
		backend:     deps.Backend,
		sessions:    deps.Sessions,
		broadcaster: deps.Broadcaster,
		keepalive:   keepalive,
		logger:      log.With().Str("component", "auth_flow").Logger(),
		now:         now,
	}, nil
}

// Start begins a new flow and runs it to completion. A live flow makes it
// fail with ALREADY_IN_PROGRESS; stale and failed records are discarded.
func (m *Machine) Start(ctx context.Context, tabID string) (*session.Session, error) {
	existing, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, protocol.Errorf(protocol.CodeAlreadyInProgress,
			"authentication flow %s already in progress (%s)", existing.FlowID, existing.State)
	}

	now := m.now().UnixMilli()
	rec := &Record{
		FlowID:    uuid.NewString(),
		State:     StateIdle,
		TabID:     tabID,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(ctx, rec); err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	m.logger.Info().Str("flow_id", rec.FlowID).Msg("authflow: flow started")
	return m.run(ctx, rec)
}

// Resume continues a persisted flow. resumed is false when there was nothing
// to resume.
func (m *Machine) Resume(ctx context.Context) (s *session.Session, resumed bool, err error) {
	rec, err := m.load(ctx)
	if err != nil || rec == nil {
		return nil, false, err
	}
	m.logger.Info().Str("flow_id", rec.FlowID).Str("state", string(rec.State)).Msg("authflow: resuming flow")
	s, err = m.run(ctx, rec)
	return s, true, err
}

// Current returns the live record, if any.
func (m *Machine) Current(ctx context.Context) (*Record, error) {
	return m.load(ctx)
}

// load returns the live record. Stale, failed and corrupt records are
// removed and reported as absent.
func (m *Machine) load(ctx context.Context) (*Record, error) {
	rec, err := m.store.Load(ctx)
	if errors.Is(err, ErrCorruptRecord) {
		m.logger.Warn().Err(err).Msg("authflow: discarding corrupt flow record")
		return nil, m.discard(ctx)
	}
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.State == StateError || rec.Stale(m.now(), m.cfg.FlowTTL) {
		m.logger.Info().
			Str("flow_id", rec.FlowID).
			Str("state", string(rec.State)).
			Msg("authflow: discarding stale flow record")
		return nil, m.discard(ctx)
	}
	return rec, nil
}

func (m *Machine) discard(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	return nil
}

// run executes steps until the flow is terminal. Cancellation leaves the
// record in place for Resume.
func (m *Machine) run(ctx context.Context, rec *Record) (*session.Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, m.stop(ctx, rec, err)
		}

		var err error
		switch rec.State {
		case StateIdle, StateRequestingAccounts:
			err = m.requestAccounts(ctx, rec)
		case StateAccountsReceived, StateGettingChallenge:
			err = m.getChallenge(ctx, rec)
		case StateChallengeReceived, StateSigningMessage:
			err = m.signMessage(ctx, rec)
		case StateMessageSigned, StateVerifyingSignature:
			err = m.verifySignature(ctx, rec)
		case StateAuthenticated:
			return m.finalize(ctx, rec)
		default:
			err = fmt.Errorf("authflow: unexpected state %q", rec.State)
		}

		if err != nil {
			return nil, m.stop(ctx, rec, err)
		}
	}
}

// stop ends a run that hit err. A cancelled context stands for a killed
// process, so the record is kept for Resume; every other failure, a deadline
// included, fails the flow.
func (m *Machine) stop(ctx context.Context, rec *Record, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		m.logger.Warn().
			Err(err).
			Str("flow_id", rec.FlowID).
			Str("state", string(rec.State)).
			Msg("authflow: interrupted; record kept for resume")
		return ctx.Err()
	}
	return m.fail(ctx, rec, err)
}

// enter moves the record into the in-progress state of a step. A step accepts
// its own in-progress state (resumption) or the preceding received state.
func (m *Machine) enter(ctx context.Context, rec *Record, inProgress, preceding State) error {
	switch rec.State {
	case inProgress:
	case preceding:
		if err := m.transition(ctx, rec, inProgress); err != nil {
			return err
		}
	default:
		return fmt.Errorf("authflow: cannot enter %s from %s", inProgress, rec.State)
	}
	return m.keepalive.Extend(ctx)
}

// transition persists the record in state next.
func (m *Machine) transition(ctx context.Context, rec *Record, next State) error {
	prev := rec.State
	rec.State = next
	rec.UpdatedAt = m.now().UnixMilli()
	if err := m.store.Save(ctx, rec); err != nil {
		rec.State = prev
		return protocol.Wrap(protocol.CodeSessionStorageFailed, err)
	}
	m.logger.Debug().Str("flow_id", rec.FlowID).Str("from", string(prev)).Str("to", string(next)).Msg("authflow: transition")
	return ctx.Err()
}

func (m *Machine) requestAccounts(ctx context.Context, rec *Record) error {
	if err := m.enter(ctx, rec, StateRequestingAccounts, StateIdle); err != nil {
		return err
	}
	accts, err := m.wallet.RequestAccounts(ctx, rec.TabID)
	if err != nil {
		return walletError(ctx, err, protocol.CodeWalletConnectionFailed)
	}
	if accts == nil || len(accts.Addresses) == 0 {
		return protocol.Errorf(protocol.CodeWalletConnectionFailed, "wallet returned no accounts")
	}
	address := session.NormalizeAddress(accts.Addresses[0])
	if !session.IsValidAddress(address) {
		return protocol.Errorf(protocol.CodeWalletConnectionFailed, "wallet returned invalid address %q", accts.Addresses[0])
	}

	rec.Accounts = make([]string, 0, len(accts.Addresses))
	for _, a := range accts.Addresses {
		rec.Accounts = append(rec.Accounts, session.NormalizeAddress(a))
	}
	rec.Address = address
	rec.ChainID = accts.ChainID
	if rec.ChainID <= 0 {
		rec.ChainID = m.cfg.DefaultChainID
	}
	return m.transition(ctx, rec, StateAccountsReceived)
}

func (m *Machine) getChallenge(ctx context.Context, rec *Record) error {
	if err := m.enter(ctx, rec, StateGettingChallenge, StateAccountsReceived); err != nil {
		return err
	}
	ch, err := m.backend.Challenge(ctx, api.ChallengeRequest{Address: rec.Address, ChainID: rec.ChainID})
	if err != nil {
		return err
	}

	message := ch.Message
	if message == "" {
		message, err = m.buildMessage(rec, ch)
		if err != nil {
			return err
		}
	}
	rec.Nonce = ch.Nonce
	rec.ChallengeMessage = ch.Message
	rec.MessageToSign = message
	return m.transition(ctx, rec, StateChallengeReceived)
}

func (m *Machine) buildMessage(rec *Record, ch *api.Challenge) (string, error) {
	msg := &siwe.Message{
		Domain:    m.cfg.Domain,
		Address:   rec.Address,
		Statement: m.cfg.Statement,
		URI:       m.cfg.URI,
		ChainID:   rec.ChainID,
		Nonce:     ch.Nonce,
		IssuedAt:  m.now().UTC(),
	}
	if ch.ExpiresAt > 0 {
		msg.ExpirationTime = time.UnixMilli(ch.ExpiresAt).UTC()
	}
	if err := msg.Validate(); err != nil {
		return "", protocol.Errorf(protocol.CodeInvalidRequest, "cannot build sign-in message: %v", err)
	}
	return msg.String(), nil
}

func (m *Machine) signMessage(ctx context.Context, rec *Record) error {
	if err := m.enter(ctx, rec, StateSigningMessage, StateChallengeReceived); err != nil {
		return err
	}
	sig, err := m.wallet.SignMessage(ctx, rec.TabID, rec.MessageToSign, rec.Address)
	if err != nil {
		return walletError(ctx, err, protocol.CodeSigningFailed)
	}
	if sig == "" {
		return protocol.Errorf(protocol.CodeSigningFailed, "wallet returned an empty signature")
	}
	rec.Signature = sig
	return m.transition(ctx, rec, StateMessageSigned)
}

func (m *Machine) verifySignature(ctx context.Context, rec *Record) error {
	if err := m.enter(ctx, rec, StateVerifyingSignature, StateMessageSigned); err != nil {
		return err
	}
	res, err := m.backend.Verify(ctx, api.VerifyRequest{Message: rec.MessageToSign, Signature: rec.Signature})
	if err != nil {
		return err
	}
	if res.SessionToken == "" {
		return protocol.Errorf(protocol.CodeUnauthorizedSender, "backend issued no session token")
	}
	if res.Address != "" && session.NormalizeAddress(res.Address) != rec.Address {
		return protocol.Errorf(protocol.CodeUnauthorizedSender, "backend verified a different address")
	}
	rec.SessionToken = res.SessionToken
	rec.ExpiresAt = res.ExpiresAt
	rec.AccountMode = session.AccountModeLive
	return m.transition(ctx, rec, StateAuthenticated)
}

// finalize writes the session, tells every tab and clears the record. Each
// part is idempotent so a resumed AUTHENTICATED record simply repeats it.
func (m *Machine) finalize(ctx context.Context, rec *Record) (*session.Session, error) {
	s := &session.Session{
		Address:      rec.Address,
		ChainID:      rec.ChainID,
		SessionToken: rec.SessionToken,
		AccountMode:  rec.AccountMode,
		ExpiresAt:    rec.ExpiresAt,
	}
	if err := m.sessions.SetSession(ctx, s); err != nil {
		return nil, m.stop(ctx, rec, err)
	}

	if m.broadcaster != nil {
		env, err := protocol.NewEnvelope(protocol.Envelope{Type: protocol.TypeConnect}, m.now()).
			WithPayload(map[string]any{"address": s.Address, "chainId": s.ChainID})
		if err == nil {
			err = m.broadcaster.Broadcast(ctx, env)
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("flow_id", rec.FlowID).Msg("authflow: connect broadcast failed")
		}
	}

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn().Err(err).Str("flow_id", rec.FlowID).Msg("authflow: failed to clear completed flow")
	}
	m.logger.Info().
		Str("flow_id", rec.FlowID).
		Str("address", s.Address).
		Str("token", logger.Fingerprint(s.SessionToken)).
		Msg("authflow: authenticated")
	return s, nil
}

// fail moves the record to ERROR, clears it and returns err for the caller.
func (m *Machine) fail(ctx context.Context, rec *Record, err error) error {
	ctx = context.WithoutCancel(ctx)
	failedIn := rec.State
	rec.State = StateError
	rec.Error = protocol.MessageOf(err)
	rec.UpdatedAt = m.now().UnixMilli()
	if saveErr := m.store.Save(ctx, rec); saveErr != nil {
		m.logger.Warn().Err(saveErr).Str("flow_id", rec.FlowID).Msg("authflow: failed to persist error state")
	}
	if clearErr := m.store.Clear(ctx); clearErr != nil {
		m.logger.Warn().Err(clearErr).Str("flow_id", rec.FlowID).Msg("authflow: failed to clear failed flow")
	}
	m.logger.Error().
		Err(err).
		Str("flow_id", rec.FlowID).
		Str("failed_in", string(failedIn)).
		Msg("authflow: flow failed")

	return classify(err)
}

// walletError codes an uncoded wallet failure with code. Coded errors,
// deadlines and failures of a cancelled run pass through unchanged.
func walletError(ctx context.Context, err error, code protocol.Code) error {
	var pe *protocol.Error
	if errors.As(err, &pe) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return err
	}
	return protocol.Wrap(code, err)
}

// classify gives err a protocol code. Backend rejections become
// UNAUTHORIZED_SENDER or INVALID_REQUEST and anything else uncoded is
// UNKNOWN_ERROR.
func classify(err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Wrap(protocol.CodeRequestTimeout, err)
	}
	var se *api.StatusError
	if errors.As(err, &se) && se.Status < http.StatusInternalServerError {
		if se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden {
			return protocol.Wrap(protocol.CodeUnauthorizedSender, err)
		}
		return protocol.Wrap(protocol.CodeInvalidRequest, err)
	}
	return protocol.Wrap(protocol.CodeUnknown, err)
}
