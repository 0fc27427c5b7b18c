package siweapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/api"
	"github.com/example/wallet-bridge/internal/siwe"
)

func newBackend(t *testing.T, now time.Time) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return now }
	h, err := NewHandler(Config{Domain: "dapp.example", URI: "https://dapp.example", Statement: "Sign in"}, Dependencies{
		Store: NewMemoryStore(clock),
		Now:   clock,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	engine := gin.New()
	h.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string) *api.Client {
	t.Helper()
	c, err := api.NewClient(api.Config{BaseURL: baseURL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func statusOf(err error) int {
	var se *api.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func TestSignInRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	srv := newBackend(t, now)
	client := newClient(t, srv.URL)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())

	challenge, err := client.Challenge(ctx, api.ChallengeRequest{Address: address, ChainID: 5})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	msg, err := siwe.Parse(challenge.Message)
	if err != nil {
		t.Fatalf("challenge message does not parse: %v", err)
	}
	if msg.Nonce != challenge.Nonce || msg.ChainID != 5 || msg.Domain != "dapp.example" {
		t.Fatalf("unexpected challenge %+v", msg)
	}

	sig, err := siwe.Sign(challenge.Message, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, err := client.Verify(ctx, api.VerifyRequest{Message: challenge.Message, Signature: sig})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.SessionToken == "" || res.Address != address || res.ChainID != 5 {
		t.Fatalf("unexpected verify result %+v", res)
	}

	info, err := client.Session(ctx, res.SessionToken)
	if err != nil || !info.Authenticated || info.Address != address {
		t.Fatalf("session lookup: %+v %v", info, err)
	}

	if _, err := client.Verify(ctx, api.VerifyRequest{Message: challenge.Message, Signature: sig}); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("replayed nonce must be rejected with 401, got %v", err)
	}

	if err := client.Logout(ctx, res.SessionToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	info, err = client.Session(ctx, res.SessionToken)
	if err != nil || info.Authenticated {
		t.Fatalf("expected an unauthenticated session after logout, got %+v %v", info, err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	srv := newBackend(t, time.Now().Truncate(time.Second))
	client := newClient(t, srv.URL)
	ctx := context.Background()

	owner, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()
	address := crypto.PubkeyToAddress(owner.PublicKey).Hex()

	challenge, err := client.Challenge(ctx, api.ChallengeRequest{Address: address, ChainID: 1})
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	sig, _ := siwe.Sign(challenge.Message, other)
	if _, err := client.Verify(ctx, api.VerifyRequest{Message: challenge.Message, Signature: sig}); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a signature by another key, got %v", err)
	}

	good, _ := siwe.Sign(challenge.Message, owner)
	if _, err := client.Verify(ctx, api.VerifyRequest{Message: challenge.Message, Signature: good}); err != nil {
		t.Fatalf("a rejected attempt must not spend the nonce: %v", err)
	}
}

func TestChallengeValidatesInput(t *testing.T) {
	srv := newBackend(t, time.Now())
	for _, body := range []string{`not json`, `{"address":"0x123","chainId":1}`} {
		resp, err := http.Post(srv.URL+api.PathChallenge, "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
}

func TestSessionRequiresBearer(t *testing.T) {
	srv := newBackend(t, time.Now())
	resp, err := http.Get(srv.URL + api.PathSession)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusUnauthorized || body["error"] == "" {
		t.Fatalf("expected 401 with an error, got %d %v", resp.StatusCode, body)
	}
}

func TestMemoryStoreNonceIsSingleUse(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	_ = store.PutNonce(ctx, Nonce{Value: "n1", ExpiresAt: now.Add(time.Minute)})
	_ = store.PutNonce(ctx, Nonce{Value: "n2", ExpiresAt: now})

	if n, _ := store.GetNonce(ctx, "n1"); n == nil {
		t.Fatalf("expected live nonce")
	}
	if n, _ := store.TakeNonce(ctx, "n1"); n == nil {
		t.Fatalf("reading a nonce must not consume it")
	}
	if n, _ := store.TakeNonce(ctx, "n1"); n != nil {
		t.Fatalf("nonce must not be returned twice")
	}
	if n, _ := store.TakeNonce(ctx, "n2"); n != nil {
		t.Fatalf("expired nonce must not be returned")
	}
	if n, _ := store.GetNonce(ctx, "n2"); n != nil {
		t.Fatalf("expired nonce must not be readable")
	}
}
