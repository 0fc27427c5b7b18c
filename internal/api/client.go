// Package api is the client of the SIWE backend: challenge issuance,
// signature verification, session lookup and logout.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/protocol"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/storage"
)

// Backend routes.
const (
	PathChallenge = "/auth/challenge"
	PathVerify    = "/auth/verify"
	PathSession   = "/auth/session"
	PathLogout    = "/auth/logout"
	PathHealth    = "/health"
)

// KeyCredential is the key of the backend credential in the credential area.
const KeyCredential = "backendCredential"

// ChallengeRequest asks the backend for a SIWE message to sign.
type ChallengeRequest struct {
	Address string `json:"address"`
	ChainID int64  `json:"chainId"`
}

// Challenge is the backend's answer: a nonce and the message embedding it.
type Challenge struct {
	Nonce     string `json:"nonce"`
	Message   string `json:"message"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
}

// VerifyRequest submits the signed message.
type VerifyRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// VerifyResult carries the issued session.
type VerifyResult struct {
	SessionToken string `json:"sessionToken"`
	Address      string `json:"address"`
	ChainID      int64  `json:"chainId"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// SessionInfo is the reply of the session endpoint.
type SessionInfo struct {
	Authenticated bool   `json:"authenticated"`
	Address       string `json:"address,omitempty"`
	ChainID       int64  `json:"chainId,omitempty"`
	ExpiresAt     int64  `json:"expiresAt,omitempty"`
}

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls the client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
	HealthCooldown time.Duration
	Retry          RetryPolicy
}

// Option customises the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used to talk to the backend.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithCredentialArea keeps the backend credential in area. A durable area
// lets the session fallback work after a restart.
func WithCredentialArea(area storage.Area) Option {
	return func(cl *Client) {
		if area != nil {
			cl.credentials = area
		}
	}
}

// WithClock overrides the clock used for the health check cooldown.
func WithClock(now func() time.Time) Option {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

const maxBodyBytes = 64 * 1024

// Client talks to the SIWE backend. It remembers the last issued session
// token as its credential so it can serve as the session manager's fallback
// source.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  HTTPClient
	credentials storage.Area
	retry       *retrier
	logger      zerolog.Logger
	now         func() time.Time

	mu          sync.Mutex
	healthAt    time.Time
	healthy     bool
	healthKnown bool
}

// NewClient builds a client for cfg.BaseURL.
func NewClient(cfg Config, log zerolog.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("api: base url is required")
	}
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}
	if cfg.HealthCooldown <= 0 {
		cfg.HealthCooldown = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryPolicy
	}
	log = log.With().Str("component", "api_client").Logger()

	c := &Client{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{},
		credentials: storage.NewMemoryArea(storage.TierEphemeral),
		retry:       newRetrier(cfg.Retry, log),
		logger:      log,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Challenge requests a SIWE challenge for address. The message may be absent,
// in which case the caller builds it around the nonce.
func (c *Client) Challenge(ctx context.Context, req ChallengeRequest) (*Challenge, error) {
	var out Challenge
	err := c.retry.do(ctx, "challenge", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, PathChallenge, "", req, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.Nonce == "" {
		return nil, WrapPermanent(errors.New("api: challenge response is incomplete"))
	}
	return &out, nil
}

// Verify submits a signed challenge. The returned token is remembered.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	var out VerifyResult
	err := c.retry.do(ctx, "verify", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, PathVerify, "", req, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.SessionToken == "" {
		return nil, WrapPermanent(errors.New("api: verify response has no session token"))
	}
	if err := c.SetToken(ctx, out.SessionToken); err != nil {
		c.logger.Warn().Err(err).Msg("api: failed to remember session credential")
	}
	c.logger.Debug().Str("token_fp", logger.Fingerprint(out.SessionToken)).Msg("api: session issued")
	return &out, nil
}

// Session asks the backend who token belongs to. An unknown or expired token
// yields an unauthenticated SessionInfo, not an error.
func (c *Client) Session(ctx context.Context, token string) (*SessionInfo, error) {
	var out SessionInfo
	err := c.retry.do(ctx, "session", func(ctx context.Context) error {
		return c.call(ctx, http.MethodGet, PathSession, token, nil, &out)
	})
	var se *StatusError
	if errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusNotFound) {
		return &SessionInfo{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchSession resolves the remembered token into a session. It returns nil
// when no token is known or the backend does not recognise it.
func (c *Client) FetchSession(ctx context.Context) (*session.Session, error) {
	token, err := c.Token(ctx)
	if err != nil || token == "" {
		return nil, err
	}
	info, err := c.Session(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Authenticated {
		return nil, c.Forget(ctx)
	}
	return &session.Session{
		Address:      info.Address,
		ChainID:      info.ChainID,
		SessionToken: token,
		ExpiresAt:    info.ExpiresAt,
	}, nil
}

// Logout revokes token on the backend and forgets it locally.
func (c *Client) Logout(ctx context.Context, token string) error {
	remembered, err := c.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		token = remembered
	}
	if token == "" {
		return nil
	}
	err = c.retry.do(ctx, "logout", func(ctx context.Context) error {
		return c.call(ctx, http.MethodPost, PathLogout, token, nil, nil)
	})
	if remembered == token {
		if ferr := c.Forget(ctx); ferr != nil {
			return errors.Join(err, ferr)
		}
	}
	return err
}

// Healthy polls the health endpoint with a short timeout. Results are cached
// for the health cooldown so bursts of callers cost one request.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.Lock()
	if c.healthKnown && c.now().Sub(c.healthAt) < c.cfg.HealthCooldown {
		healthy := c.healthy
		c.mu.Unlock()
		return healthy
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HealthTimeout)
	defer cancel()
	err := c.call(ctx, http.MethodGet, PathHealth, "", nil, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("api: health check failed")
	}

	c.mu.Lock()
	c.healthy = err == nil
	c.healthAt = c.now()
	c.healthKnown = true
	c.mu.Unlock()
	return err == nil
}

// Token returns the remembered session token.
func (c *Client) Token(ctx context.Context) (string, error) {
	raw, err := c.credentials.Get(ctx, KeyCredential)
	if err != nil {
		return "", fmt.Errorf("api: read credential: %w", err)
	}
	return string(raw), nil
}

// SetToken replaces the remembered session token. An empty token forgets it.
func (c *Client) SetToken(ctx context.Context, token string) error {
	var err error
	if token == "" {
		err = c.credentials.Remove(ctx, KeyCredential)
	} else {
		err = c.credentials.Set(ctx, KeyCredential, []byte(token))
	}
	if err != nil {
		return fmt.Errorf("api: write credential: %w", err)
	}
	return nil
}

// Forget drops the remembered session token, so FetchSession stops
// resurrecting a session the user cleared.
func (c *Client) Forget(ctx context.Context) error {
	return c.SetToken(ctx, "")
}

func (c *Client) call(ctx context.Context, method, path, token string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return WrapPermanent(fmt.Errorf("api: encode %s request: %w", path, err))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return WrapPermanent(fmt.Errorf("api: build %s request: %w", path, err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportError(path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return c.transportError(path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classifyStatus(resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return WrapPermanent(fmt.Errorf("api: decode %s response: %w", path, err))
	}
	return nil
}

func (c *Client) transportError(path string, err error) error {
	err = classifyTransport(fmt.Errorf("api: %s: %w", path, err))
	if isTimeout(err) {
		return fmt.Errorf("%w: %w", protocol.ErrTimeout, err)
	}
	return err
}
