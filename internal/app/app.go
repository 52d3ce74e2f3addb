package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"posologicos-backend/internal/config"
	"posologicos-backend/internal/db"
	"posologicos-backend/internal/gateway"
	"posologicos-backend/internal/handlers"
	"posologicos-backend/internal/realtime"
	"posologicos-backend/internal/services"
	"posologicos-backend/internal/store"
)

func Run() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	setupLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
	}
	defer dataStore.Close()

	// Delivery and presence
	hub := realtime.NewHub()
	messages := realtime.NewPublishingStore(dataStore, hub)

	health := map[string]handlers.Pinger{cfg.StoreDriver: dataStore}

	var presence realtime.Presence
	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		health["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})

		relay := realtime.NewRedisRelay(rdb, hub)
		hub.SetForwarder(relay)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("relay stopped")
			}
		}()

		redisPresence := realtime.NewRedisPresence(rdb, cfg.PresenceTTL)
		go func() {
			if err := redisPresence.Run(ctx); err != nil {
				log.Error().Err(err).Str("module", "presence").Msg("presence fan-in stopped")
			}
		}()
		presence = redisPresence
	} else {
		log.Info().Msg("REDIS_URL not set, delivery and presence stay in process")
		presence = realtime.NewMemoryPresence(cfg.PresenceTTL, nil)
	}
	go realtime.RunSweeper(ctx, presence, cfg.PresenceSweepInterval, func(err error) {
		log.Warn().Err(err).Str("module", "presence").Msg("presence sweep failed")
	})

	// Services
	rooms := services.NewRoomService(messages, services.WithPinRetries(cfg.PinRetries))
	registry := handlers.NewSessionRegistry()

	app := NewServer(Server{
		Rooms: rooms,
		Session: handlers.SessionDeps{
			Rooms:        rooms,
			Messages:     messages,
			Channel:      hub,
			Presence:     presence,
			Gateway:      newGateway(cfg),
			Registry:     registry,
			HistoryLimit: cfg.GatewayHistoryLimit,
			Heartbeat:    heartbeatInterval(cfg.PresenceTTL),
		},
		Health:      health,
		JWTSecret:   cfg.Secret(),
		CORSOrigins: cfg.CORSOrigins,
	})

	// Start Server
	go func() {
		log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting server")
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit // Block until signal
	log.Info().Msg("gracefully shutting down...")
	registry.CloseAll()
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	cancel()
	log.Info().Msg("server shutdown complete")
}

func setupLogger(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// openStore selects the persistence backend named by STORE_DRIVER.
func openStore(ctx context.Context, cfg *config.Config) (store.DataStore, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, err
			}
		}
		return store.NewPostgresStore(pool), nil
	case config.StoreSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("module", "redis").Msg("connected to Redis")
	return client, nil
}

func newGateway(cfg *config.Config) gateway.Gateway {
	switch cfg.GatewayDriver {
	case config.GatewayOpenAI:
		return gateway.NewInstrumented(gateway.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.GatewayTimeout), config.GatewayOpenAI)
	default:
		if cfg.AgentWebhookURL == "" {
			log.Warn().Msg("AGENT_WEBHOOK_URL not set, every agent call will fail")
		}
		return gateway.NewInstrumented(gateway.NewWebhook(cfg.AgentWebhookURL, cfg.GatewayTimeout), config.GatewayWebhook)
	}
}

// heartbeatInterval refreshes presence well inside the TTL.
func heartbeatInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 10 * time.Second
	}
	return ttl / 3
}
