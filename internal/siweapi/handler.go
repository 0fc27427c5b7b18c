// Package siweapi is a development backend for Sign-In with Ethereum. It
// issues challenges, verifies signed messages and tracks the resulting
// sessions, serving the API the bridge's client talks to.
package siweapi

import (
	"errors"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/api"
	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/siwe"
)

const (
	DefaultNonceTTL   = 5 * time.Minute
	DefaultSessionTTL = 24 * time.Hour
)

// Config describes the relying party.
type Config struct {
	Domain     string
	URI        string
	Statement  string
	NonceTTL   time.Duration
	SessionTTL time.Duration
}

type Dependencies struct {
	Store  Store
	Logger zerolog.Logger
	Now    func() time.Time
}

type Handler struct {
	cfg    Config
	store  Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if cfg.Domain == "" {
		return nil, errors.New("siweapi: domain is required")
	}
	if cfg.URI == "" {
		return nil, errors.New("siweapi: uri is required")
	}
	if deps.Store == nil {
		return nil, errors.New("siweapi: store is required")
	}
	if cfg.NonceTTL <= 0 {
		cfg.NonceTTL = DefaultNonceTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	log := deps.Logger
	if reflect.ValueOf(log).IsZero() {
		log = zerolog.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		cfg:    cfg,
		store:  deps.Store,
		logger: log.With().Str("component", "siwe_api").Logger(),
		now:    now,
	}, nil
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST(api.PathChallenge, h.challenge)
	r.POST(api.PathVerify, h.verify)
	r.GET(api.PathSession, h.session)
	r.POST(api.PathLogout, h.logout)
	r.GET(api.PathHealth, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func (h *Handler) challenge(c *gin.Context) {
	var req api.ChallengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !session.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address"})
		return
	}
	if req.ChainID <= 0 {
		req.ChainID = session.DefaultChainID
	}

	now := h.now()
	msg := siwe.Message{
		Domain:         h.cfg.Domain,
		Address:        session.ChecksumAddress(req.Address),
		Statement:      h.cfg.Statement,
		URI:            h.cfg.URI,
		Version:        siwe.Version,
		ChainID:        req.ChainID,
		Nonce:          siwe.NewNonce(),
		IssuedAt:       now,
		ExpirationTime: now.Add(h.cfg.NonceTTL),
	}
	nonce := Nonce{
		Value:     msg.Nonce,
		Address:   session.NormalizeAddress(req.Address),
		ChainID:   req.ChainID,
		ExpiresAt: msg.ExpirationTime,
	}
	if err := h.store.PutNonce(c.Request.Context(), nonce); err != nil {
		h.logger.Error().Err(err).Msg("siweapi: failed to store nonce")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue challenge"})
		return
	}

	c.JSON(http.StatusOK, api.Challenge{
		Nonce:     msg.Nonce,
		Message:   msg.String(),
		ExpiresAt: msg.ExpirationTime.UnixMilli(),
	})
}

func (h *Handler) verify(c *gin.Context) {
	var req api.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Message == "" || req.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message and signature are required"})
		return
	}
	msg, err := siwe.Parse(req.Message)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed siwe message"})
		return
	}

	ctx := c.Request.Context()
	nonce, err := h.store.GetNonce(ctx, msg.Nonce)
	if err != nil {
		h.logger.Error().Err(err).Msg("siweapi: failed to read nonce")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify"})
		return
	}
	address := session.NormalizeAddress(msg.Address)
	switch {
	case nonce == nil:
		h.reject(c, "unknown or used nonce", address)
		return
	case nonce.Address != address || nonce.ChainID != msg.ChainID:
		h.reject(c, "nonce was issued for another account", address)
		return
	case msg.Domain != h.cfg.Domain:
		h.reject(c, "domain mismatch", address)
		return
	}
	if err := msg.CheckTime(h.now()); err != nil {
		h.reject(c, err.Error(), address)
		return
	}
	if err := siwe.Verify(req.Message, req.Signature, msg.Address); err != nil {
		h.reject(c, "invalid signature", address)
		return
	}

	// only a request that passed every check spends the nonce
	taken, err := h.store.TakeNonce(ctx, msg.Nonce)
	if err != nil {
		h.logger.Error().Err(err).Msg("siweapi: failed to consume nonce")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify"})
		return
	}
	if taken == nil {
		h.reject(c, "unknown or used nonce", address)
		return
	}

	s := Session{
		Token:     uuid.NewString(),
		Address:   address,
		ChainID:   msg.ChainID,
		ExpiresAt: h.now().Add(h.cfg.SessionTTL),
	}
	if err := h.store.PutSession(ctx, s); err != nil {
		h.logger.Error().Err(err).Msg("siweapi: failed to store session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	h.logger.Info().
		Str("address", address).
		Int64("chain_id", s.ChainID).
		Str("token_fp", logger.Fingerprint(s.Token)).
		Msg("siweapi: session created")

	c.JSON(http.StatusOK, api.VerifyResult{
		SessionToken: s.Token,
		Address:      s.Address,
		ChainID:      s.ChainID,
		ExpiresAt:    s.ExpiresAt.UnixMilli(),
	})
}

func (h *Handler) reject(c *gin.Context, reason, address string) {
	h.logger.Warn().Str("address", address).Str("reason", reason).Msg("siweapi: verification rejected")
	c.JSON(http.StatusUnauthorized, gin.H{"error": reason})
}

func (h *Handler) session(c *gin.Context) {
	s, ok := h.bearerSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, api.SessionInfo{
		Authenticated: true,
		Address:       s.Address,
		ChainID:       s.ChainID,
		ExpiresAt:     s.ExpiresAt.UnixMilli(),
	})
}

func (h *Handler) logout(c *gin.Context) {
	token := bearer(c)
	if token != "" {
		if err := h.store.DeleteSession(c.Request.Context(), token); err != nil {
			h.logger.Error().Err(err).Msg("siweapi: failed to delete session")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to logout"})
			return
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) bearerSession(c *gin.Context) (*Session, bool) {
	token := bearer(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return nil, false
	}
	s, err := h.store.GetSession(c.Request.Context(), token)
	if err != nil {
		h.logger.Error().Err(err).Msg("siweapi: failed to read session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
		return nil, false
	}
	if s == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session not found"})
		return nil, false
	}
	return s, true
}

func bearer(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}
