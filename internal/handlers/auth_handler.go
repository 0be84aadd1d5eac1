package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ecovira/marketchat/internal/middleware"
	"github.com/ecovira/marketchat/pkg/utils"
)

// AuthHandler exposes the token side of sign-in. Accounts live in an external
// service; in development IssueToken stands in for it.
type AuthHandler struct {
	jwtSecret string
}

func NewAuthHandler(jwtSecret string) *AuthHandler {
	return &AuthHandler{jwtSecret: jwtSecret}
}

type issueTokenRequest struct {
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

func (h *AuthHandler) IssueToken(c *fiber.Ctx) error {
	var req issueTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.UserID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "user_id must be positive"})
	}
	if req.Role == "" {
		req.Role = "user"
	}

	token, err := utils.GenerateToken(strconv.FormatInt(req.UserID, 10), req.Role, h.jwtSecret)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(fiber.Map{"error": "Failed to generate token"})
	}

	return c.JSON(fiber.Map{
		"token": token,
		"user": fiber.Map{
			"id":   req.UserID,
			"role": req.Role,
		},
	})
}

func (h *AuthHandler) Me(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	role, _ := c.Locals(middleware.LocalRole).(string)

	return c.JSON(fiber.Map{
		"id":         userID,
		"role":       role,
		"expires_at": middleware.TokenExpiry(c).UTC().Format(time.RFC3339),
	})
}
