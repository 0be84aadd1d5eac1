package routes

import (
	"context"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/config"
	"github.com/ecovira/marketchat/internal/handlers"
	"github.com/ecovira/marketchat/internal/middleware"
	"github.com/ecovira/marketchat/internal/services"
	"github.com/ecovira/marketchat/internal/session"
	chatws "github.com/ecovira/marketchat/internal/websocket"
)

const healthTimeout = 2 * time.Second

// Dependencies are the long-lived components built by main.
type Dependencies struct {
	Chat *services.ChatService
	Feed session.Feed
	Hub  *chatws.Hub
	// Ping reports backend health. Nil means always healthy.
	Ping func(ctx context.Context) error
	Log  zerolog.Logger
}

func RegisterRoutes(app *fiber.App, cfg *config.Config, deps Dependencies) {
	sessionCfg := session.Config{
		TimelineCacheSize: cfg.TimelineCacheSize,
		Retry: session.RetryPolicy{
			MaxAttempts:     cfg.LiveRetryMaxAttempts,
			InitialInterval: cfg.LiveRetryInitialInterval,
			MaxInterval:     cfg.LiveRetryMaxInterval,
		},
	}
	newSession := func(ctx context.Context, identity session.Identity) (*session.Session, error) {
		return session.New(ctx, identity, deps.Chat, deps.Feed, sessionCfg, deps.Log)
	}

	authHandler := handlers.NewAuthHandler(cfg.JWTSecret)
	chatHandler := handlers.NewChatHandler(deps.Chat, deps.Hub, newSession, deps.Log)

	app.Get("/health", func(c *fiber.Ctx) error {
		if deps.Ping != nil {
			ctx, cancel := context.WithTimeout(c.Context(), healthTimeout)
			defer cancel()
			if err := deps.Ping(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "degraded",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	if cfg.EnableMetrics {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	api := app.Group("/api")

	auth := api.Group("/auth")
	if cfg.IsDevelopment() {
		auth.Post("/token", authHandler.IssueToken)
	}
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	conversations := authProtected.Group("/conversations")
	conversations.Get("", chatHandler.ListConversations)
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id/messages", chatHandler.GetMessages)
	conversations.Post("/:id/messages", chatHandler.SendMessage)

	authProtected.Use("/ws", chatHandler.WebSocketUpgrade)
	authProtected.Get("/ws", websocket.New(chatHandler.HandleWebSocket))
}
