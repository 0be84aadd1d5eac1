package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/models"
)

const DefaultMaxBodyLength = 4000

var validate = validator.New()

// Store is the durable side of the chat: conversations, messages and the
// one-way read flag.
type Store interface {
	// FindOrCreateConversation is atomic with respect to concurrent callers for
	// the same triple. The bool reports whether the row was created.
	FindOrCreateConversation(ctx context.Context, buyerID, sellerID int64, productID *int64) (*models.Conversation, bool, error)
	GetConversationForParticipant(ctx context.Context, conversationID, userID int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error)
	// GetConversationSummary is one entry of ListConversations.
	GetConversationSummary(ctx context.Context, conversationID, userID int64) (*models.ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error)
	CreateMessage(ctx context.Context, conversationID, senderID int64, body string) (*models.Message, error)
	// MarkMessagesRead flips inbound unread messages and returns the ids that changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID int64, messageIDs []int64) ([]int64, error)
}

type ChatService struct {
	store         Store
	maxBodyLength int
	log           zerolog.Logger
}

func NewChatService(store Store, maxBodyLength int, log zerolog.Logger) *ChatService {
	if maxBodyLength <= 0 {
		maxBodyLength = DefaultMaxBodyLength
	}
	return &ChatService{
		store:         store,
		maxBodyLength: maxBodyLength,
		log:           log.With().Str("component", "chat-service").Logger(),
	}
}

type startConversationInput struct {
	BuyerID   int64  `validate:"gt=0"`
	SellerID  int64  `validate:"gt=0,nefield=BuyerID"`
	ProductID *int64 `validate:"omitempty,gt=0"`
}

// StartConversation returns the conversation for the triple, creating it on
// first use. A nil productID is a key value of its own.
func (s *ChatService) StartConversation(
	ctx context.Context,
	buyerID int64,
	sellerID int64,
	productID *int64,
) (*models.Conversation, bool, error) {
	if err := validate.Struct(startConversationInput{
		BuyerID:   buyerID,
		SellerID:  sellerID,
		ProductID: productID,
	}); err != nil {
		return nil, false, validationError("conversation participants: %v", err)
	}

	conversation, created, err := s.store.FindOrCreateConversation(ctx, buyerID, sellerID, productID)
	if err != nil {
		return nil, false, storageError("find or create conversation", err)
	}
	if created {
		s.log.Info().
			Int64("conversation_id", conversation.ID).
			Int64("buyer_id", buyerID).
			Int64("seller_id", sellerID).
			Msg("conversation created")
	}
	return conversation, created, nil
}

// ListConversations returns the user's conversations, most recently active first.
func (s *ChatService) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	if userID <= 0 {
		return nil, ErrNotAuthenticated
	}

	summaries, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, storageError("list conversations", err)
	}

	for i := range summaries {
		decorateSummary(&summaries[i], userID)
	}
	slices.SortStableFunc(summaries, compareSummaries)
	return summaries, nil
}

// ConversationSummary returns the list entry of one conversation, with the
// same labels ListConversations would give it.
func (s *ChatService) ConversationSummary(ctx context.Context, conversationID, userID int64) (*models.ConversationSummary, error) {
	if userID <= 0 {
		return nil, ErrNotAuthenticated
	}

	summary, err := s.store.GetConversationSummary(ctx, conversationID, userID)
	if err != nil {
		return nil, storageError("get conversation summary", err)
	}
	decorateSummary(summary, userID)
	return summary, nil
}

// FetchMessages returns the timeline in (created_at, id) order. It performs
// no read-receipt side effect; see AcknowledgeMessages.
func (s *ChatService) FetchMessages(ctx context.Context, conversationID, userID int64) ([]models.Message, error) {
	if conversationID <= 0 {
		return nil, validationError("conversation id must be positive")
	}
	if _, err := s.store.GetConversationForParticipant(ctx, conversationID, userID); err != nil {
		return nil, storageError("get conversation", err)
	}

	messages, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, storageError("list messages", err)
	}
	slices.SortStableFunc(messages, models.CompareMessages)
	return messages, nil
}

// AcknowledgeMessages durably marks every inbound unread message in messages
// as read with one batched update and returns a copy reflecting the flip.
// On failure the input is returned unchanged together with the pending ids.
func (s *ChatService) AcknowledgeMessages(
	ctx context.Context,
	conversationID int64,
	userID int64,
	messages []models.Message,
) ([]models.Message, []int64, error) {
	pending := UnreadInbound(messages, userID)
	if len(pending) == 0 {
		return messages, nil, nil
	}

	if _, err := s.MarkRead(ctx, conversationID, userID, pending); err != nil {
		return messages, pending, err
	}

	acknowledged := slices.Clone(messages)
	ApplyRead(acknowledged, pending)
	return acknowledged, nil, nil
}

// MarkRead flips the given inbound messages. Ids that are already read or
// were sent by userID are ignored, so repeated calls are harmless.
func (s *ChatService) MarkRead(ctx context.Context, conversationID, userID int64, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	updated, err := s.store.MarkMessagesRead(ctx, conversationID, userID, messageIDs)
	if err != nil {
		return nil, storageError("mark messages read", err)
	}
	return updated, nil
}

// ListMessages fetches the timeline and acknowledges it in one call, the way
// opening a conversation does.
func (s *ChatService) ListMessages(ctx context.Context, conversationID, userID int64) ([]models.Message, error) {
	messages, err := s.FetchMessages(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	acknowledged, _, err := s.AcknowledgeMessages(ctx, conversationID, userID, messages)
	if err != nil {
		return nil, err
	}
	return acknowledged, nil
}

// ValidateBody trims body and checks it against the length limit.
func (s *ChatService) ValidateBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", validationError("message body is empty")
	}
	if n := utf8.RuneCountInString(trimmed); n > s.maxBodyLength {
		return "", validationError("message body has %d characters, limit is %d", n, s.maxBodyLength)
	}
	return trimmed, nil
}

// SendMessage writes the message and returns the stored record with its
// server-assigned id and timestamp.
func (s *ChatService) SendMessage(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	body string,
) (*models.Message, error) {
	if conversationID <= 0 {
		return nil, validationError("no active conversation")
	}
	trimmed, err := s.ValidateBody(body)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetConversationForParticipant(ctx, conversationID, senderID); err != nil {
		return nil, storageError("get conversation", err)
	}

	message, err := s.store.CreateMessage(ctx, conversationID, senderID, trimmed)
	if err != nil {
		return nil, storageError("create message", err)
	}
	return message, nil
}

func decorateSummary(summary *models.ConversationSummary, viewerID int64) {
	if summary.OtherParticipantLabel == "" {
		summary.OtherParticipantLabel = fmt.Sprintf("User #%d", summary.OtherParticipant(viewerID))
	}
	if summary.TopicLabel == "" && summary.ProductID != nil {
		summary.TopicLabel = fmt.Sprintf("Product #%d", *summary.ProductID)
	}
	if summary.LastMessage != nil {
		summary.LastMessagePreview = models.Preview(summary.LastMessage.Body)
	}
}

func compareSummaries(a, b models.ConversationSummary) int {
	if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}

// FormatChatTimestamp renders ts the way the wire protocol expects.
func FormatChatTimestamp(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
