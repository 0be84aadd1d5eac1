package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ecovira/marketchat/internal/changefeed"
	"github.com/ecovira/marketchat/internal/config"
	"github.com/ecovira/marketchat/internal/database"
	"github.com/ecovira/marketchat/internal/routes"
	"github.com/ecovira/marketchat/internal/services"
	"github.com/ecovira/marketchat/internal/session"
	"github.com/ecovira/marketchat/internal/storage"
	chatws "github.com/ecovira/marketchat/internal/websocket"
)

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	appLog := log.With().Str("service", "marketchat").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Storage and change feed
	broker := changefeed.NewBroker(cfg.SubscriberBuffer, appLog)
	defer broker.Close()

	var (
		store services.Store
		feed  session.Feed = broker
		pool  *pgxpool.Pool
		rdb   *redis.Client
	)
	switch cfg.StorageBackend {
	case config.BackendMemory:
		store = storage.NewMemoryStore(broker)
		appLog.Warn().Msg("using in-memory storage; data is lost on restart")
	default:
		pool, err = database.Connect(ctx, cfg.DBUrl, appLog)
		if err != nil {
			appLog.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()
		store = storage.NewPostgresStore(pool)

		var (
			dispatcher changefeed.Dispatcher = broker
			listenOpts []changefeed.ListenerOption
		)
		if cfg.FeedBackend == config.BackendRedis {
			rdb, err = changefeed.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				appLog.Fatal().Err(err).Msg("Failed to connect to redis")
			}
			defer rdb.Close()
			dispatcher = changefeed.NewRedisRelay(rdb, appLog)
			feed = changefeed.NewRedisFeed(rdb, cfg.SubscriberBuffer, appLog)
			// One relaying listener across all instances; the rest stand by.
			listenOpts = append(listenOpts,
				changefeed.WithLeaderLock(cfg.FeedLockKey),
				changefeed.WithStandbyPoll(cfg.FeedStandbyPoll),
			)
		}

		listener := changefeed.NewListener(pool, dispatcher, cfg.LiveRetryMaxInterval, appLog, listenOpts...)
		listener.Start(ctx)
		defer listener.Stop()
	}

	hub := chatws.NewHub(appLog)
	go hub.Run(ctx)

	// 3. Setup Fiber
	app := fiber.New(fiber.Config{DisableStartupMessage: !cfg.IsDevelopment()})

	// Middleware
	app.Use(cors.New())
	app.Use(logger.New())
	app.Use(recover.New())

	// Routes
	routes.RegisterRoutes(app, cfg, routes.Dependencies{
		Chat: services.NewChatService(store, cfg.MaxMessageLength, appLog),
		Feed: feed,
		Hub:  hub,
		Ping: func(ctx context.Context) error {
			if pool != nil {
				if err := pool.Ping(ctx); err != nil {
					return err
				}
			}
			if rdb != nil {
				return rdb.Ping(ctx).Err()
			}
			return nil
		},
		Log: appLog,
	})

	// 4. Start Server
	serveErr := make(chan error, 1)
	go func() {
		appLog.Info().Str("port", cfg.Port).Str("storage", cfg.StorageBackend).Str("feed", cfg.FeedBackend).Msg("Server starting")
		serveErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			appLog.Fatal().Err(err).Msg("Server failed to start")
		}
	case <-ctx.Done():
		appLog.Info().Msg("Shutting down")
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			appLog.Error().Err(err).Msg("Server shutdown")
		}
	}
}
