package routes

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ecovira/marketchat/internal/config"
	"github.com/ecovira/marketchat/internal/services"
	"github.com/ecovira/marketchat/internal/storage"
	chatws "github.com/ecovira/marketchat/internal/websocket"
	"github.com/ecovira/marketchat/pkg/utils"
)

func newTestApp(t *testing.T, cfg *config.Config, ping func(context.Context) error) *fiber.App {
	t.Helper()
	store := storage.NewMemoryStore(nil)
	app := fiber.New()
	RegisterRoutes(app, cfg, Dependencies{
		Chat: services.NewChatService(store, 0, zerolog.Nop()),
		Feed: store,
		Hub:  chatws.NewHub(zerolog.Nop()),
		Ping: ping,
		Log:  zerolog.Nop(),
	})
	return app
}

func get(t *testing.T, app *fiber.App, path, token string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestHealthReportsBackend(t *testing.T) {
	cfg := &config.Config{JWTSecret: "secret"}

	require.Equal(t, http.StatusOK, get(t, newTestApp(t, cfg, nil), "/health", ""))

	down := func(context.Context) error { return errors.New("connection refused") }
	require.Equal(t, http.StatusServiceUnavailable, get(t, newTestApp(t, cfg, down), "/health", ""))
}

func TestMetricsFollowsConfig(t *testing.T) {
	require.Equal(t, http.StatusOK, get(t, newTestApp(t, &config.Config{JWTSecret: "secret", EnableMetrics: true}, nil), "/metrics", ""))
	require.Equal(t, http.StatusNotFound, get(t, newTestApp(t, &config.Config{JWTSecret: "secret"}, nil), "/metrics", ""))
}

func TestTokenEndpointOnlyInDevelopment(t *testing.T) {
	prod := newTestApp(t, &config.Config{JWTSecret: "secret", AppEnv: "production"}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", nil)
	resp, err := prod.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	dev := newTestApp(t, &config.Config{JWTSecret: "secret", AppEnv: "development"}, nil)
	req = httptest.NewRequest(http.MethodPost, "/api/auth/token", nil)
	resp, err = dev.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatRoutesRequireToken(t *testing.T) {
	app := newTestApp(t, &config.Config{JWTSecret: "secret"}, nil)
	token, err := utils.GenerateToken("42", "user", "secret")
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, get(t, app, "/api/v1/conversations", ""))
	require.Equal(t, http.StatusOK, get(t, app, "/api/v1/conversations", token))
	require.Equal(t, http.StatusNotFound, get(t, app, "/api/v1/conversations/7/messages", token))

	require.Equal(t, http.StatusUnauthorized, get(t, app, "/api/v1/ws", ""))
	require.Equal(t, http.StatusUpgradeRequired, get(t, app, "/api/v1/ws", token))
}
