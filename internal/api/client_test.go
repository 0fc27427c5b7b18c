package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/storage"
)

func newTestClient(t *testing.T, h http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{
		BaseURL: srv.URL,
		Retry:   RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, srv
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]error{
		400: ErrPermanent,
		401: ErrPermanent,
		404: ErrPermanent,
		429: ErrTransient,
		500: ErrTransient,
		503: ErrTransient,
	}
	for status, want := range cases {
		if err := classifyStatus(status, ""); !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", status, want, err)
		}
	}
}

func TestChallengeRetriesTransientFailures(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathChallenge || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req ChallengeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(Challenge{Nonce: "n0nce123", Message: "sign " + req.Address})
	}))

	ch, err := c.Challenge(context.Background(), ChallengeRequest{Address: "0xabc", ChainID: 1})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	if ch.Nonce != "n0nce123" || ch.Message != "sign 0xabc" {
		t.Fatalf("unexpected challenge %+v", ch)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestVerifyDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad signature", http.StatusUnauthorized)
	}))

	_, err := c.Verify(context.Background(), VerifyRequest{Message: "m", Signature: "0x00"})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected status error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := c.Challenge(context.Background(), ChallengeRequest{Address: "0xabc"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected max attempts, got %d", calls)
	}
}

func TestVerifyRemembersTokenAndFetchSession(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathVerify:
			_ = json.NewEncoder(w).Encode(VerifyResult{SessionToken: "tok", Address: "0xabc", ChainID: 1})
		case PathSession:
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(SessionInfo{Authenticated: true, Address: "0xabc", ChainID: 1, ExpiresAt: 42})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	if s, err := c.FetchSession(ctx); s != nil || err != nil {
		t.Fatalf("expected nothing before verify, got %v %v", s, err)
	}
	if _, err := c.Verify(ctx, VerifyRequest{Message: "m", Signature: "s"}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	s, err := c.FetchSession(ctx)
	if err != nil || s == nil {
		t.Fatalf("fetch session: %v %v", s, err)
	}
	if s.SessionToken != "tok" || s.Address != "0xabc" || s.ExpiresAt != 42 {
		t.Fatalf("unexpected session %+v", s)
	}

	_ = c.SetToken(ctx, "other")
	if s, err := c.FetchSession(ctx); s != nil || err != nil {
		t.Fatalf("expected unknown token to yield nil, got %v %v", s, err)
	}
	if tok, _ := c.Token(ctx); tok != "" {
		t.Fatalf("expected rejected token to be forgotten")
	}
}

func TestCredentialSurvivesRestart(t *testing.T) {
	area := storage.NewMemoryArea(storage.TierPersistent)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathVerify:
			_ = json.NewEncoder(w).Encode(VerifyResult{SessionToken: "tok", Address: "0xabc", ChainID: 1})
		case PathSession:
			_ = json.NewEncoder(w).Encode(SessionInfo{Authenticated: r.Header.Get("Authorization") == "Bearer tok", Address: "0xabc", ChainID: 1})
		}
	})
	ctx := context.Background()

	first, _ := newTestClient(t, handler, WithCredentialArea(area))
	if _, err := first.Verify(ctx, VerifyRequest{Message: "m", Signature: "s"}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	restarted, _ := newTestClient(t, handler, WithCredentialArea(area))
	s, err := restarted.FetchSession(ctx)
	if err != nil || s == nil || s.SessionToken != "tok" {
		t.Fatalf("expected the stored credential to resolve after restart, got %+v %v", s, err)
	}

	if err := restarted.Forget(ctx); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if s, err := restarted.FetchSession(ctx); s != nil || err != nil {
		t.Fatalf("expected nothing after forget, got %+v %v", s, err)
	}
}

func TestChallengeAcceptsNonceOnly(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"nonce":"abcdef123456"}`))
	}))
	ch, err := c.Challenge(context.Background(), ChallengeRequest{Address: "0xabc", ChainID: 1})
	if err != nil || ch.Nonce != "abcdef123456" || ch.Message != "" {
		t.Fatalf("expected nonce-only challenge, got %+v %v", ch, err)
	}

	empty, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"no nonce"}`))
	}))
	if _, err := empty.Challenge(context.Background(), ChallengeRequest{Address: "0xabc"}); !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error without a nonce, got %v", err)
	}
}

func TestLogoutForgetsToken(t *testing.T) {
	var auth string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	ctx := context.Background()
	_ = c.SetToken(ctx, "tok")
	if err := c.Logout(ctx, ""); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if tok, _ := c.Token(ctx); auth != "Bearer tok" || tok != "" {
		t.Fatalf("expected bearer logout and token cleared, auth=%q token=%q", auth, tok)
	}
}

func TestHealthyCachesWithinCooldown(t *testing.T) {
	var calls int32
	now := time.UnixMilli(0)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}), WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		if !c.Healthy(context.Background()) {
			t.Fatalf("expected healthy")
		}
	}
	if calls != 1 {
		t.Fatalf("expected one health call within cooldown, got %d", calls)
	}
	now = now.Add(6 * time.Second)
	c.Healthy(context.Background())
	if calls != 2 {
		t.Fatalf("expected a new health call after cooldown, got %d", calls)
	}
}

type timeoutHTTPClient struct{}

func (timeoutHTTPClient) Do(*http.Request) (*http.Response, error) {
	return nil, context.DeadlineExceeded
}

func TestTransportTimeoutMapsToTimeoutCode(t *testing.T) {
	c, err := NewClient(Config{
		BaseURL: "http://backend.invalid",
		Retry:   RetryPolicy{MaxAttempts: 1},
	}, zerolog.Nop(), WithHTTPClient(timeoutHTTPClient{}))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.Challenge(context.Background(), ChallengeRequest{Address: "0xabc"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient classification, got %v", err)
	}
	if protocol.CodeOf(err) != protocol.CodeRequestTimeout {
		t.Fatalf("expected timeout code, got %s", protocol.CodeOf(err))
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without base url")
	}
}
