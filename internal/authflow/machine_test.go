package authflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/api"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/siwe"
	"github.com/example/wallet-bridge/internal/storage"
)

const testAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

type counts struct {
	accounts   int
	challenges int
	signs      int
	verifies   int
	broadcasts int
}

type effects struct {
	mu sync.Mutex
	counts
	signed []string
	tabs   []string
}

func (e *effects) snapshot() counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts
}

type walletStub struct {
	fx         *effects
	accountErr error
	signErr    error
}

func (w *walletStub) RequestAccounts(ctx context.Context, tabID string) (*Accounts, error) {
	w.fx.mu.Lock()
	w.fx.accounts++
	w.fx.tabs = append(w.fx.tabs, tabID)
	w.fx.mu.Unlock()
	if w.accountErr != nil {
		return nil, w.accountErr
	}
	return &Accounts{Addresses: []string{testAddress}, ChainID: 10}, nil
}

func (w *walletStub) SignMessage(ctx context.Context, tabID, message, address string) (string, error) {
	w.fx.mu.Lock()
	w.fx.signs++
	w.fx.tabs = append(w.fx.tabs, tabID)
	w.fx.signed = append(w.fx.signed, message)
	w.fx.mu.Unlock()
	if w.signErr != nil {
		return "", w.signErr
	}
	return "0xsig", nil
}

type backendStub struct {
	fx        *effects
	message   string
	verifyErr error
}

func (b *backendStub) Challenge(ctx context.Context, req api.ChallengeRequest) (*api.Challenge, error) {
	b.fx.mu.Lock()
	b.fx.challenges++
	b.fx.mu.Unlock()
	return &api.Challenge{Nonce: "nonce12345678", Message: b.message}, nil
}

func (b *backendStub) Verify(ctx context.Context, req api.VerifyRequest) (*api.VerifyResult, error) {
	b.fx.mu.Lock()
	b.fx.verifies++
	b.fx.mu.Unlock()
	if b.verifyErr != nil {
		return nil, b.verifyErr
	}
	return &api.VerifyResult{SessionToken: "tok-1", Address: testAddress, ChainID: 10, ExpiresAt: 1_800_000_000_000}, nil
}

type broadcastStub struct {
	fx *effects
}

func (b *broadcastStub) Broadcast(ctx context.Context, msg *protocol.Envelope) error {
	if msg.Type == protocol.TypeConnect {
		b.fx.mu.Lock()
		b.fx.broadcasts++
		b.fx.mu.Unlock()
	}
	return nil
}

// interruptingArea cancels the flow's context right after the nth record save
// succeeds, as if the process died there.
type interruptingArea struct {
	*storage.MemoryArea
	mu     sync.Mutex
	saves  int
	at     int
	cancel context.CancelFunc
}

func (a *interruptingArea) Set(ctx context.Context, key string, value []byte) error {
	if err := a.MemoryArea.Set(ctx, key, value); err != nil {
		return err
	}
	if key != StorageKey {
		return nil
	}
	a.mu.Lock()
	a.saves++
	hit := a.saves == a.at
	a.mu.Unlock()
	if hit && a.cancel != nil {
		a.cancel()
	}
	return nil
}

type harness struct {
	fx         *effects
	flowArea   *interruptingArea
	ephemeral  *storage.MemoryArea
	persistent *storage.MemoryArea
	heartbeat  *host.Heartbeat
	now        time.Time
}

func newHarness() *harness {
	return &harness{
		fx:         &effects{},
		flowArea:   &interruptingArea{MemoryArea: storage.NewMemoryArea(storage.TierPersistent)},
		ephemeral:  storage.NewMemoryArea(storage.TierEphemeral),
		persistent: storage.NewMemoryArea(storage.TierPersistent),
		now:        time.UnixMilli(1_700_000_000_000),
	}
}

func (h *harness) machine(t *testing.T, wallet *walletStub, backend *backendStub) (*Machine, *session.Manager) {
	t.Helper()
	clock := func() time.Time { return h.now }
	mgr, err := session.NewManager(session.Dependencies{Ephemeral: h.ephemeral, Persistent: h.persistent, Now: clock})
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	t.Cleanup(mgr.Close)
	if wallet == nil {
		wallet = &walletStub{fx: h.fx}
	}
	if backend == nil {
		backend = &backendStub{fx: h.fx, message: "server-built message"}
	}
	h.heartbeat = host.NewHeartbeat(clock, zerolog.Nop())
	m, err := NewMachine(Config{Domain: "app.example", URI: "https://app.example"}, Dependencies{
		Store:       NewStore(h.flowArea),
		Wallet:      wallet,
		Backend:     backend,
		Sessions:    mgr,
		Broadcaster: &broadcastStub{fx: h.fx},
		Keepalive:   h.heartbeat,
		Now:         clock,
	})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m, mgr
}

func TestStartRunsToAuthenticated(t *testing.T) {
	h := newHarness()
	m, mgr := h.machine(t, nil, nil)

	s, err := m.Start(context.Background(), "tab-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Address != strings.ToLower(testAddress) || s.ChainID != 10 || s.SessionToken != "tok-1" {
		t.Fatalf("unexpected session %+v", s)
	}

	stored, err := mgr.GetSession(context.Background())
	if err != nil || stored == nil || stored.SessionToken != "tok-1" || stored.ExpiresAt != 1_800_000_000_000 {
		t.Fatalf("session not persisted: %+v, %v", stored, err)
	}
	if rec, _ := m.Current(context.Background()); rec != nil {
		t.Fatalf("record must be cleared, got %+v", rec)
	}
	got := h.fx.snapshot()
	if got.accounts != 1 || got.challenges != 1 || got.signs != 1 || got.verifies != 1 || got.broadcasts != 1 {
		t.Fatalf("unexpected effect counts %+v", got)
	}
	if h.heartbeat.Count() != 4 {
		t.Fatalf("expected keepalive before each of 4 steps, got %d", h.heartbeat.Count())
	}
	if h.flowArea.saves != 9 {
		t.Fatalf("expected 9 record saves, got %d", h.flowArea.saves)
	}
}

func TestInterruptAtEveryBoundaryResumes(t *testing.T) {
	reference := newHarness()
	refMachine, _ := reference.machine(t, nil, nil)
	want, err := refMachine.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("reference run: %v", err)
	}

	for at := 1; at <= 9; at++ {
		h := newHarness()
		ctx, cancel := context.WithCancel(context.Background())
		h.flowArea.at = at
		h.flowArea.cancel = cancel

		first, _ := h.machine(t, nil, nil)
		if _, err := first.Start(ctx, ""); !errors.Is(err, context.Canceled) {
			t.Fatalf("at %d: expected interruption, got %v", at, err)
		}
		cancel()
		if rec, _ := first.Current(context.Background()); rec == nil {
			t.Fatalf("at %d: record must survive interruption", at)
		}

		// A fresh process resumes with no memory of the first run.
		second, mgr := h.machine(t, nil, nil)
		got, resumed, err := second.Resume(context.Background())
		if err != nil || !resumed {
			t.Fatalf("at %d: resume: %v (resumed=%v)", at, err, resumed)
		}
		if !session.SessionsEqual(got, want) || got.ExpiresAt != want.ExpiresAt || got.AccountMode != want.AccountMode {
			t.Fatalf("at %d: resumed session %+v differs from %+v", at, got, want)
		}
		if stored, _ := mgr.GetSession(context.Background()); !session.SessionsEqual(stored, want) {
			t.Fatalf("at %d: stored session %+v differs", at, stored)
		}

		fx := h.fx.snapshot()
		if fx.accounts != 1 || fx.challenges != 1 || fx.signs != 1 || fx.verifies != 1 || fx.broadcasts != 1 {
			t.Fatalf("at %d: an effect ran more than once: %+v", at, fx)
		}
	}
}

func TestResumeWithoutRecord(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, nil, nil)
	s, resumed, err := m.Resume(context.Background())
	if s != nil || resumed || err != nil {
		t.Fatalf("expected nothing to resume, got %+v %v %v", s, resumed, err)
	}
}

func TestStartRejectsLiveFlow(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, nil, nil)
	live := &Record{FlowID: "f1", State: StateSigningMessage, UpdatedAt: h.now.UnixMilli()}
	if err := NewStore(h.flowArea).Save(context.Background(), live); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err := m.Start(context.Background(), "")
	if protocol.CodeOf(err) != protocol.CodeAlreadyInProgress {
		t.Fatalf("expected ALREADY_IN_PROGRESS, got %v", err)
	}
}

func TestStaleRecordDiscarded(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, nil, nil)
	stale := &Record{FlowID: "old", State: StateSigningMessage, UpdatedAt: h.now.Add(-6 * time.Minute).UnixMilli()}
	_ = NewStore(h.flowArea).Save(context.Background(), stale)

	if _, resumed, err := m.Resume(context.Background()); resumed || err != nil {
		t.Fatalf("stale record must not resume: %v %v", resumed, err)
	}
	if raw, _ := h.flowArea.Get(context.Background(), StorageKey); raw != nil {
		t.Fatalf("stale record must be removed")
	}
	if _, err := m.Start(context.Background(), ""); err != nil {
		t.Fatalf("start after stale discard: %v", err)
	}
}

func TestCorruptRecordDiscarded(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, nil, nil)
	_ = h.flowArea.MemoryArea.Set(context.Background(), StorageKey, []byte("{broken"))
	if rec, err := m.Current(context.Background()); rec != nil || err != nil {
		t.Fatalf("expected corrupt record discarded, got %+v %v", rec, err)
	}
}

func TestUserRejectionFailsFlow(t *testing.T) {
	h := newHarness()
	wallet := &walletStub{fx: h.fx, signErr: protocol.ErrUserRejected}
	m, mgr := h.machine(t, wallet, nil)

	_, err := m.Start(context.Background(), "")
	if protocol.CodeOf(err) != protocol.CodeUserRejected {
		t.Fatalf("expected USER_REJECTED, got %v", err)
	}
	if rec, _ := m.Current(context.Background()); rec != nil {
		t.Fatalf("failed flow must be cleared")
	}
	if s, _ := mgr.GetSession(context.Background()); s != nil {
		t.Fatalf("no session expected after failure")
	}
	if fx := h.fx.snapshot(); fx.verifies != 0 || fx.broadcasts != 0 {
		t.Fatalf("no step after the failure may run: %+v", fx)
	}
	if _, err := m.Start(context.Background(), ""); protocol.CodeOf(err) != protocol.CodeUserRejected {
		t.Fatalf("a fresh flow must be allowed after ERROR, got %v", err)
	}
}

func TestWalletFailureIsCoded(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, &walletStub{fx: h.fx, accountErr: errors.New("provider disconnected")}, nil)
	if _, err := m.Start(context.Background(), ""); protocol.CodeOf(err) != protocol.CodeWalletConnectionFailed {
		t.Fatalf("expected WALLET_CONNECTION_FAILED, got %v", err)
	}
}

func TestVerifyRejectedByBackend(t *testing.T) {
	h := newHarness()
	backend := &backendStub{
		fx:        h.fx,
		message:   "server-built message",
		verifyErr: api.WrapPermanent(&api.StatusError{Status: 401, Body: "bad signature"}),
	}
	m, _ := h.machine(t, nil, backend)
	if _, err := m.Start(context.Background(), ""); protocol.CodeOf(err) != protocol.CodeUnauthorizedSender {
		t.Fatalf("expected UNAUTHORIZED_SENDER, got %v", err)
	}
}

func TestDeadlineFailsFlow(t *testing.T) {
	h := newHarness()
	wallet := &walletStub{fx: h.fx, signErr: context.DeadlineExceeded}
	m, _ := h.machine(t, wallet, nil)
	if _, err := m.Start(context.Background(), ""); protocol.CodeOf(err) != protocol.CodeRequestTimeout {
		t.Fatalf("expected REQUEST_TIMEOUT, got %v", err)
	}
	if rec, _ := m.Current(context.Background()); rec != nil {
		t.Fatalf("timed out flow must be cleared")
	}
}

func TestAccountsDeadlineIsTimeout(t *testing.T) {
	h := newHarness()
	wallet := &walletStub{fx: h.fx, accountErr: fmt.Errorf("wallet: %w", context.DeadlineExceeded)}
	m, _ := h.machine(t, wallet, nil)
	if _, err := m.Start(context.Background(), ""); protocol.CodeOf(err) != protocol.CodeRequestTimeout {
		t.Fatalf("expected REQUEST_TIMEOUT, got %v", err)
	}
}

func TestWalletStepsTargetStartingTab(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, nil, &backendStub{fx: h.fx, message: "server-built message"})
	if _, err := m.Start(context.Background(), "tab-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.fx.mu.Lock()
	tabs := append([]string(nil), h.fx.tabs...)
	h.fx.mu.Unlock()
	if len(tabs) != 2 || tabs[0] != "tab-1" || tabs[1] != "tab-1" {
		t.Fatalf("wallet calls must go to the starting tab, got %v", tabs)
	}
}

func TestBuildsMessageWhenBackendSendsNonceOnly(t *testing.T) {
	h := newHarness()
	m, _ := h.machine(t, nil, &backendStub{fx: h.fx})
	if _, err := m.Start(context.Background(), ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	h.fx.mu.Lock()
	signed := h.fx.signed[0]
	h.fx.mu.Unlock()
	msg, err := siwe.Parse(signed)
	if err != nil {
		t.Fatalf("signed text is not a SIWE message: %v\n%s", err, signed)
	}
	if msg.Domain != "app.example" || msg.Nonce != "nonce12345678" || msg.ChainID != 10 {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.EqualFold(msg.Address, testAddress) {
		t.Fatalf("unexpected address %s", msg.Address)
	}
}

func TestNewMachineValidation(t *testing.T) {
	if _, err := NewMachine(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error without store")
	}
}
