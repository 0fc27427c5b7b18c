package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/wallet-bridge/internal/api"
	"github.com/example/wallet-bridge/internal/authflow"
	"github.com/example/wallet-bridge/internal/background"
	"github.com/example/wallet-bridge/internal/config"
	"github.com/example/wallet-bridge/internal/content"
	"github.com/example/wallet-bridge/internal/host"
	"github.com/example/wallet-bridge/internal/httpapi"
	"github.com/example/wallet-bridge/internal/kafka/consumer"
	"github.com/example/wallet-bridge/internal/kafka/producer"
	kafkapublisher "github.com/example/wallet-bridge/internal/kafka/publisher"
	"github.com/example/wallet-bridge/internal/logger"
	"github.com/example/wallet-bridge/internal/ratelimit"
	"github.com/example/wallet-bridge/internal/router"
	"github.com/example/wallet-bridge/internal/session"
	"github.com/example/wallet-bridge/internal/storage"
	"github.com/example/wallet-bridge/internal/wallet"
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
	instance := uuid.NewString()
	log := baseLogger.With().Str("service", "wallet-bridge").Str("instance", instance).Logger()
	reporter := host.NewLogReporter(log)

	ephemeral := storage.NewMemoryArea(storage.TierEphemeral)
	var persistent storage.Area = storage.NewMemoryArea(storage.TierPersistent)
	if cfg.Redis.Addr != "" {
		client, err := storage.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		persistent, err = storage.NewRedisArea(client, storage.TierPersistent, cfg.Redis.Prefix, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create redis storage area")
		}
	}

	apiClient, err := api.NewClient(api.Config{
		BaseURL:        cfg.API.BaseURL,
		RequestTimeout: cfg.Timeouts.Request,
		HealthTimeout:  cfg.Timeouts.HealthCheck,
		HealthCooldown: cfg.Timeouts.HealthCheckCooldown,
		Retry: api.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
	}, log, api.WithCredentialArea(persistent))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create api client")
	}

	sessions, err := session.NewManager(session.Dependencies{
		Ephemeral:  ephemeral,
		Persistent: persistent,
		Remote:     apiClient,
		Reporter:   reporter,
		Logger:     log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}
	defer sessions.Close()

	tabs := host.NewTabs(log)
	broadcaster := host.MultiBroadcaster{tabs}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaLogger := log.With().Str("component", "kafka").Logger()
		prod, err := producer.New(cfg.Kafka.Brokers, kafkaLogger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka producer")
		}
		defer func() {
			if err := prod.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka producer")
			}
		}()
		broadcaster = append(broadcaster, kafkapublisher.NewBroadcastPublisher(prod, cfg.Kafka.BroadcastTopic, instance, kafkaLogger))

		// every instance must see every broadcast, so each gets its own group
		cons, err := consumer.New(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup+"-"+instance, kafkaLogger)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create kafka consumer")
		}
		defer func() {
			if err := cons.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka consumer")
			}
		}()
		go func() {
			handler := consumer.BroadcastHandler(instance, tabs, kafkaLogger)
			if err := cons.Consume(ctx, []string{cfg.Kafka.BroadcastTopic}, handler); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("broadcast consumer terminated with error")
			}
		}()
	}

	cooldown, err := ratelimit.NewCooldown(cfg.RateLimit.MethodCooldown, ratelimit.CooldownDependencies{
		Area:   persistent,
		Logger: log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create method cooldown")
	}
	go cooldown.RunGC(ctx, cfg.RateLimit.GCInterval)

	machine, err := authflow.NewMachine(authflow.Config{
		FlowTTL:        cfg.Auth.FlowTTL,
		DefaultChainID: cfg.Auth.DefaultChainID,
		Domain:         cfg.API.Domain,
		URI:            cfg.API.URI,
		Statement:      cfg.API.Statement,
	}, authflow.Dependencies{
		Store:       authflow.NewStore(persistent),
		Wallet:      &background.TabWallet{Messenger: tabs},
		Backend:     apiClient,
		Sessions:    sessions,
		Broadcaster: broadcaster,
		Keepalive:   host.NewHeartbeat(time.Now, log),
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create auth flow")
	}

	svc, err := background.NewService(background.Config{
		AuthPageURL:    cfg.Auth.AuthPageURL,
		MaxConcurrency: cfg.Auth.MaxConcurrency,
		RequestTimeout: cfg.Timeouts.Request,
	}, background.Dependencies{
		Sessions:    sessions,
		Auth:        machine,
		Limiter:     cooldown,
		Backend:     apiClient,
		Messenger:   tabs,
		Opener:      tabs,
		Broadcaster: broadcaster,
		Reporter:    reporter,
		Logger:      log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create background service")
	}
	go svc.Init(ctx)

	pageChannel, err := httpapi.NewServer(func(tabID, origin string, outbox *httpapi.Outbox) (httpapi.Page, error) {
		target := cfg.HTTP.TargetOrigin
		if target == "" {
			target = origin
		}
		relay, err := content.NewRelay(content.Config{
			TabID:          tabID,
			TargetOrigin:   target,
			AllowedOrigins: cfg.HTTP.AllowedOrigins,
			DedupTimeout:   cfg.Dedup.Timeout,
			RateLimit:      ratelimit.Config{MaxTokens: cfg.RateLimit.MaxTokens, RefillRate: cfg.RateLimit.RefillRate},
			Router: router.Config{
				ValidateVersion:   cfg.Protocol.ValidateVersion,
				ValidateTimestamp: cfg.Protocol.ValidateTimestamp,
				MaxMessageAge:     cfg.Protocol.MaxMessageAge,
				HandlerTimeout:    cfg.Timeouts.Request,
				LogCapacity:       cfg.Protocol.LogCapacity,
			},
			Wallet: wallet.Config{Timeout: cfg.Timeouts.Wallet},
		}, content.Dependencies{
			Poster:      outbox,
			Background:  svc,
			Sessions:    sessions,
			Broadcaster: broadcaster,
			Activity:    tabs,
			Reporter:    reporter,
			Logger:      log,
		})
		if err != nil {
			return nil, err
		}
		return &tabPage{Relay: relay, unregister: tabs.Register(tabID, origin, relay)}, nil
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create page channel")
	}
	defer pageChannel.Close()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           pageChannel.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Bool("kafka", len(cfg.Kafka.Brokers) > 0).Msg("wallet bridge started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("page channel terminated with error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down page channel")
	}
}

// tabPage ties a relay to its registration in the tab registry.
type tabPage struct {
	*content.Relay
	unregister func()
}

func (p *tabPage) Close() {
	p.unregister()
	p.Relay.Close()
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("wallet bridge init failed")
}
