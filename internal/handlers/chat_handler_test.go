package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/middleware"
	"github.com/ecovira/marketchat/internal/models"
	"github.com/ecovira/marketchat/internal/services"
	chatws "github.com/ecovira/marketchat/internal/websocket"
	"github.com/ecovira/marketchat/pkg/utils"
)

type stubChatService struct {
	conversationsResult []models.ConversationSummary
	conversationsErr    error
	createResult        *models.Conversation
	createCreated       bool
	createErr           error
	messagesResult      []models.Message
	messagesErr         error
	sendResult          *models.Message
	sendErr             error
	lastUserID          int64
	lastBuyerID         int64
	lastSellerID        int64
	lastConversationID  int64
	lastBody            string
}

func (s *stubChatService) StartConversation(_ context.Context, buyerID, sellerID int64, _ *int64) (*models.Conversation, bool, error) {
	s.lastBuyerID = buyerID
	s.lastSellerID = sellerID
	return s.createResult, s.createCreated, s.createErr
}

func (s *stubChatService) ListConversations(_ context.Context, userID int64) ([]models.ConversationSummary, error) {
	s.lastUserID = userID
	return s.conversationsResult, s.conversationsErr
}

func (s *stubChatService) ListMessages(_ context.Context, conversationID, userID int64) ([]models.Message, error) {
	s.lastConversationID = conversationID
	s.lastUserID = userID
	return s.messagesResult, s.messagesErr
}

func (s *stubChatService) SendMessage(_ context.Context, conversationID, senderID int64, body string) (*models.Message, error) {
	s.lastConversationID = conversationID
	s.lastUserID = senderID
	s.lastBody = body
	return s.sendResult, s.sendErr
}

func newTestApp(service *stubChatService, userID int64) (*fiber.App, *ChatHandler) {
	handler := NewChatHandler(service, chatws.NewHub(zerolog.Nop()), nil, zerolog.Nop())

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(middleware.LocalUserID, userID)
		c.Locals(middleware.LocalRole, "user")
		return c.Next()
	})
	app.Get("/api/v1/conversations", handler.ListConversations)
	app.Post("/api/v1/conversations", handler.CreateConversation)
	app.Get("/api/v1/conversations/:id/messages", handler.GetMessages)
	app.Post("/api/v1/conversations/:id/messages", handler.SendMessage)
	return app, handler
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestListConversationsReturnsConversationSummaries(t *testing.T) {
	service := &stubChatService{
		conversationsResult: []models.ConversationSummary{
			{
				Conversation: models.Conversation{ID: 17, BuyerID: 42, SellerID: 8},
				LastMessage: &models.Message{
					ID:             3,
					ConversationID: 17,
					SenderID:       8,
					Body:           "Still available",
					CreatedAt:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				},
				UnreadCount: 2,
			},
		},
	}
	app, _ := newTestApp(service, 42)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/conversations", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastUserID != 42 {
		t.Fatalf("unexpected user: %d", service.lastUserID)
	}

	var body struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Conversations) != 1 || body.Conversations[0].UnreadCount != 2 {
		t.Fatalf("unexpected response: %+v", body.Conversations)
	}
}

func TestListConversationsRequiresUser(t *testing.T) {
	app, _ := newTestApp(&stubChatService{}, 0)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/conversations", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateConversationStatusReflectsCreation(t *testing.T) {
	tests := []struct {
		name    string
		created bool
		status  int
	}{
		{name: "new", created: true, status: http.StatusCreated},
		{name: "existing", created: false, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &stubChatService{
				createResult:  &models.Conversation{ID: 9, BuyerID: 42, SellerID: 7},
				createCreated: tt.created,
			}
			app, _ := newTestApp(service, 42)

			resp := doJSON(t, app, http.MethodPost, "/api/v1/conversations", `{"buyer_id":42,"seller_id":7,"product_id":3}`)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			if service.lastBuyerID != 42 || service.lastSellerID != 7 {
				t.Fatalf("unexpected participants: %d %d", service.lastBuyerID, service.lastSellerID)
			}
		})
	}
}

func TestCreateConversationRejectsOutsider(t *testing.T) {
	service := &stubChatService{}
	app, _ := newTestApp(service, 5)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/conversations", `{"buyer_id":42,"seller_id":7}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if service.lastBuyerID != 0 {
		t.Fatal("service should not be called for outsiders")
	}
}

func TestGetMessagesForwardsConversation(t *testing.T) {
	service := &stubChatService{
		messagesResult: []models.Message{
			{ID: 5, ConversationID: 11, SenderID: 7, Body: "Hi", IsRead: true, CreatedAt: time.Now().UTC()},
		},
	}
	app, _ := newTestApp(service, 42)

	resp := doJSON(t, app, http.MethodGet, "/api/v1/conversations/11/messages", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastConversationID != 11 || service.lastUserID != 42 {
		t.Fatalf("unexpected forwarding: conversation=%d user=%d", service.lastConversationID, service.lastUserID)
	}

	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(body.Messages) != 1 || !body.Messages[0].IsRead {
		t.Fatalf("unexpected response body: %+v", body.Messages)
	}
}

func TestGetMessagesRejectsBadID(t *testing.T) {
	app, _ := newTestApp(&stubChatService{}, 42)

	for _, id := range []string{"abc", "0", "-3"} {
		resp := doJSON(t, app, http.MethodGet, "/api/v1/conversations/"+id+"/messages", "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("id %q: expected 400, got %d", id, resp.StatusCode)
		}
	}
}

func TestChatErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{err: services.ErrConversationNotFound, status: http.StatusNotFound},
		{err: services.ErrNotAuthenticated, status: http.StatusUnauthorized},
		{err: services.ErrForbidden, status: http.StatusForbidden},
		{err: fmt.Errorf("%w: empty body", services.ErrValidationFailed), status: http.StatusBadRequest},
		{err: fmt.Errorf("create message: %w: timeout", services.ErrStorageUnavailable), status: http.StatusServiceUnavailable},
		{err: fmt.Errorf("boom"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			app, _ := newTestApp(&stubChatService{sendErr: tt.err}, 42)

			resp := doJSON(t, app, http.MethodPost, "/api/v1/conversations/11/messages", `{"body":"hello"}`)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestSendMessageReturnsStoredMessage(t *testing.T) {
	service := &stubChatService{
		sendResult: &models.Message{ID: 21, ConversationID: 11, SenderID: 42, Body: "hello"},
	}
	app, _ := newTestApp(service, 42)

	resp := doJSON(t, app, http.MethodPost, "/api/v1/conversations/11/messages", `{"body":"hello"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastBody != "hello" || service.lastUserID != 42 {
		t.Fatalf("unexpected forwarding: %q %d", service.lastBody, service.lastUserID)
	}
}

func TestWebSocketUpgradeRequired(t *testing.T) {
	app, handler := newTestApp(&stubChatService{}, 42)
	app.Get("/api/v1/ws", handler.WebSocketUpgrade, func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	resp := doJSON(t, app, http.MethodGet, "/api/v1/ws", "")
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
}

func TestIssueTokenAndMe(t *testing.T) {
	auth := NewAuthHandler("secret")
	app := fiber.New()
	app.Post("/api/auth/token", auth.IssueToken)
	app.Get("/api/auth/me", middleware.AuthRequired("secret"), auth.Me)

	resp := doJSON(t, app, http.MethodPost, "/api/auth/token", `{"user_id":42}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var issued struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	claims, err := utils.ValidateToken(issued.Token, "secret")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != "42" || claims.Role != "user" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	me, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer me.Body.Close()
	if me.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", me.StatusCode)
	}

	resp = doJSON(t, app, http.MethodGet, "/api/auth/me", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}
