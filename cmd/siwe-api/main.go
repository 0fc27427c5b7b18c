package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/config"
	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/siweapi"
	"github.com/example/wallet-bridge/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "siwe-api").Logger()

	var store siweapi.Store = siweapi.NewMemoryStore(time.Now)
	if cfg.Redis.Addr != "" {
		client, err := storage.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		store = siweapi.NewRedisStore(client, cfg.Redis.Prefix)
	}

	handler, err := siweapi.NewHandler(siweapi.Config{
		Domain:     cfg.API.Domain,
		URI:        cfg.API.URI,
		Statement:  cfg.API.Statement,
		SessionTTL: cfg.API.SessionTTL,
	}, siweapi.Dependencies{Store: store, Logger: log})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create siwe handler")
	}

	if cfg.App.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Str("addr", cfg.API.ListenAddr).Str("domain", cfg.API.Domain).Msg("siwe api started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("siwe api terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down siwe api")
	}
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("siwe api init failed")
}
