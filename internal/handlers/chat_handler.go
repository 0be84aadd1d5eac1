package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/middleware"
	"github.com/ecovira/marketchat/internal/models"
	"github.com/ecovira/marketchat/internal/services"
	"github.com/ecovira/marketchat/internal/session"
	chatws "github.com/ecovira/marketchat/internal/websocket"
)

type chatApplicationService interface {
	StartConversation(ctx context.Context, buyerID, sellerID int64, productID *int64) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID, userID int64) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, senderID int64, body string) (*models.Message, error)
}

// SessionFactory opens a live session for the user identity reports.
type SessionFactory func(ctx context.Context, identity session.Identity) (*session.Session, error)

type ChatHandler struct {
	service    chatApplicationService
	hub        *chatws.Hub
	newSession SessionFactory
	log        zerolog.Logger
}

type createConversationRequest struct {
	BuyerID   int64  `json:"buyer_id"`
	SellerID  int64  `json:"seller_id"`
	ProductID *int64 `json:"product_id"`
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func NewChatHandler(
	service chatApplicationService,
	hub *chatws.Hub,
	newSession SessionFactory,
	log zerolog.Logger,
) *ChatHandler {
	return &ChatHandler{
		service:    service,
		hub:        hub,
		newSession: newSession,
		log:        log.With().Str("component", "chat-handler").Logger(),
	}
}

func (h *ChatHandler) ListConversations(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversations, err := h.service.ListConversations(c.Context(), userID)
	if err != nil {
		return h.mapChatError(c, err)
	}
	if conversations == nil {
		conversations = []models.ConversationSummary{}
	}

	return c.JSON(fiber.Map{"conversations": conversations})
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}
	if req.BuyerID != userID && req.SellerID != userID {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	}

	conversation, created, err := h.service.StartConversation(c.Context(), req.BuyerID, req.SellerID, req.ProductID)
	if err != nil {
		return h.mapChatError(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{"conversation": conversation, "created": created})
}

// GetMessages returns the timeline and marks inbound messages read, the same
// as opening the conversation over the websocket.
func (h *ChatHandler) GetMessages(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	messages, err := h.service.ListMessages(c.Context(), conversationID, userID)
	if err != nil {
		return h.mapChatError(c, err)
	}
	if messages == nil {
		messages = []models.Message{}
	}

	return c.JSON(fiber.Map{"messages": messages})
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	conversationID, err := parseConversationID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid conversation id"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	message, err := h.service.SendMessage(c.Context(), conversationID, userID, req.Body)
	if err != nil {
		return h.mapChatError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"message": message})
}

// WebSocketUpgrade rejects plain HTTP requests on the websocket route.
// Authentication runs before it.
func (h *ChatHandler) WebSocketUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals(middleware.LocalUserID).(int64)
	expiry, _ := conn.Locals(middleware.LocalTokenExpiry).(time.Time)

	// The token was valid at upgrade time; once it expires every command
	// fails until the client reconnects with a fresh one.
	identity := session.IdentityFunc(func(context.Context) (int64, bool) {
		if userID <= 0 {
			return 0, false
		}
		if !expiry.IsZero() && time.Now().After(expiry) {
			return 0, false
		}
		return userID, true
	})

	ctx := context.Background()
	sess, err := h.newSession(ctx, identity)
	if err != nil {
		h.log.Warn().Err(err).Int64("user_id", userID).Msg("open chat session")
		_ = conn.WriteJSON(fiber.Map{
			"type":  chatws.FrameError,
			"code":  chatws.ErrorCode(err),
			"error": err.Error(),
		})
		_ = conn.Close()
		return
	}

	chatws.NewClient(h.hub, conn, sess, h.log).Serve(ctx)
}

func parseConversationID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("conversation id must be positive")
	}
	return id, nil
}

func (h *ChatHandler) mapChatError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrNotAuthenticated):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authentication required"})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "Forbidden"})
	case errors.Is(err, services.ErrValidationFailed):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrConversationNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Conversation not found"})
	case errors.Is(err, services.ErrStorageUnavailable):
		h.log.Error().Err(err).Str("path", c.Path()).Msg("chat storage unavailable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":     "Chat storage unavailable",
			"retryable": true,
		})
	default:
		h.log.Error().Err(err).Str("path", c.Path()).Msg("chat request failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process chat request"})
	}
}
