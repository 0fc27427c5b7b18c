// Package httpapi exposes the page channel over HTTP. A page posts protocol
// messages and receives the router's replies in the response body; messages
// the relay sends on its own are queued per tab and polled.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/router"
)

const (
	// HeaderTabID selects the tab a request belongs to.
	HeaderTabID  = "X-Tab-Id"
	defaultTabID = "default"
	maxBodyBytes = 64 << 10
)

// Page is the relay of one tab.
type Page interface {
	HandlePage(ctx context.Context, raw []byte, origin string) bool
	Close()
}

// PageFactory builds the relay for a new tab. Its page channel is outbox.
type PageFactory func(tabID, origin string, outbox *Outbox) (Page, error)

type tab struct {
	page   Page
	outbox *Outbox
}

// Server is the gin rendition of the page channel.
type Server struct {
	factory PageFactory
	logger  zerolog.Logger

	mu   sync.Mutex
	tabs map[string]*tab
}

func NewServer(factory PageFactory, logger zerolog.Logger) (*Server, error) {
	if factory == nil {
		return nil, errors.New("httpapi: page factory is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Server{
		factory: factory,
		logger:  logger.With().Str("component", "http_page_channel").Logger(),
		tabs:    make(map[string]*tab),
	}, nil
}

// Engine builds the gin engine serving the page channel.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.RegisterRoutes(engine)
	return engine
}

func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/messages", s.postMessage)
	r.GET("/v1/tabs/:id/outbox", s.pollOutbox)
	r.DELETE("/v1/tabs/:id", s.closeTab)
	r.GET("/health", s.health)
}

// Close closes every open tab.
func (s *Server) Close() {
	s.mu.Lock()
	tabs := s.tabs
	s.tabs = make(map[string]*tab)
	s.mu.Unlock()
	for _, t := range tabs {
		t.page.Close()
	}
}

func (s *Server) postMessage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large or unreadable"})
		return
	}

	tabID := c.GetHeader(HeaderTabID)
	if tabID == "" {
		tabID = defaultTabID
	}
	origin := c.GetHeader("Origin")
	t, err := s.tab(tabID, origin)
	if err != nil {
		s.logger.Error().Err(err).Str("tab_id", tabID).Msg("httpapi: failed to open tab")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open tab"})
		return
	}

	collector := &router.Collector{}
	ctx := router.WithSink(c.Request.Context(), collector)
	if !t.page.HandlePage(ctx, raw, origin) {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(collector.Messages())})
}

func (s *Server) pollOutbox(c *gin.Context) {
	s.mu.Lock()
	t, ok := s.tabs[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tab"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": nonNil(t.outbox.Drain())})
}

func (s *Server) closeTab(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	t, ok := s.tabs[id]
	delete(s.tabs, id)
	s.mu.Unlock()
	if ok {
		t.page.Close()
		s.logger.Info().Str("tab_id", id).Msg("httpapi: tab closed")
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) health(c *gin.Context) {
	s.mu.Lock()
	n := len(s.tabs)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "tabs": n})
}

func (s *Server) tab(id, origin string) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[id]; ok {
		return t, nil
	}
	outbox := NewOutbox(DefaultOutboxCapacity)
	page, err := s.factory(id, origin, outbox)
	if err != nil {
		return nil, err
	}
	t := &tab{page: page, outbox: outbox}
	s.tabs[id] = t
	s.logger.Info().Str("tab_id", id).Str("origin", origin).Msg("httpapi: tab opened")
	return t, nil
}

func nonNil(msgs []any) []any {
	if msgs == nil {
		return []any{}
	}
	return msgs
}
