package middleware

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ecovira/marketchat/pkg/utils"
)

// Locals keys set by AuthRequired.
const (
	LocalUserID      = "user_id"
	LocalRole        = "role"
	LocalTokenExpiry = "token_expiry"
)

// AuthRequired accepts a Bearer token in the Authorization header. For
// websocket upgrades, where browsers cannot set headers, a token query
// parameter is accepted as well.
func AuthRequired(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, problem := bearerToken(c)
		if problem != "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": problem,
			})
		}

		claims, err := utils.ValidateToken(tokenString, secret)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}
		userID, err := claims.NumericUserID()
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(LocalUserID, userID)
		c.Locals(LocalRole, claims.Role)
		c.Locals(LocalTokenExpiry, claims.Expiry())

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, string) {
	authHeader := strings.TrimSpace(c.Get("Authorization"))
	if authHeader == "" {
		if token := strings.TrimSpace(c.Query("token")); token != "" {
			return token, ""
		}
		return "", "Missing authorization header"
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}

// UserID returns the authenticated user set by AuthRequired.
func UserID(c *fiber.Ctx) (int64, bool) {
	id, ok := c.Locals(LocalUserID).(int64)
	return id, ok && id > 0
}

// TokenExpiry returns when the token behind the request stops being valid.
func TokenExpiry(c *fiber.Ctx) time.Time {
	expiry, _ := c.Locals(LocalTokenExpiry).(time.Time)
	return expiry
}
