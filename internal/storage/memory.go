package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/changefeed"
	"github.com/ecovira/marketchat/internal/models"
)

type tripleKey struct {
	buyerID    int64
	sellerID   int64
	productID  int64
	hasProduct bool
}

func keyOf(buyerID, sellerID int64, productID *int64) tripleKey {
	key := tripleKey{buyerID: buyerID, sellerID: sellerID}
	if productID != nil {
		key.productID = *productID
		key.hasProduct = true
	}
	return key
}

// MemoryStore keeps conversations and messages in process and publishes
// change events to its broker while holding the write lock, so subscribers
// observe commit order.
type MemoryStore struct {
	mu            sync.Mutex
	now           func() time.Time
	lastCreatedAt time.Time
	nextConvID    int64
	nextMessageID int64
	conversations map[int64]*models.Conversation
	byTriple      map[tripleKey]int64
	messages      map[int64][]models.Message
	userLabels    map[int64]string
	productLabels map[int64]string
	broker        *changefeed.Broker
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(broker *changefeed.Broker, opts ...MemoryOption) *MemoryStore {
	if broker == nil {
		broker = changefeed.NewBroker(0, zerolog.Nop())
	}
	s := &MemoryStore{
		now:           time.Now,
		conversations: make(map[int64]*models.Conversation),
		byTriple:      make(map[tripleKey]int64),
		messages:      make(map[int64][]models.Message),
		userLabels:    make(map[int64]string),
		productLabels: make(map[int64]string),
		broker:        broker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUserLabel records the display name the account service would provide.
func (s *MemoryStore) SetUserLabel(userID int64, label string) {
	s.mu.Lock()
	s.userLabels[userID] = label
	s.mu.Unlock()
}

// SetProductLabel records the name the catalog would provide.
func (s *MemoryStore) SetProductLabel(productID int64, label string) {
	s.mu.Lock()
	s.productLabels[productID] = label
	s.mu.Unlock()
}

func (s *MemoryStore) Subscribe(ctx context.Context, conversationID int64) (<-chan changefeed.Event, error) {
	return s.broker.Subscribe(ctx, conversationID)
}

func (s *MemoryStore) FindOrCreateConversation(
	ctx context.Context,
	buyerID int64,
	sellerID int64,
	productID *int64,
) (*models.Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := keyOf(buyerID, sellerID, productID)
	if id, ok := s.byTriple[key]; ok {
		existing := *s.conversations[id]
		return &existing, false, nil
	}

	s.nextConvID++
	now := s.timestampLocked()
	conversation := &models.Conversation{
		ID:        s.nextConvID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if productID != nil {
		product := *productID
		conversation.ProductID = &product
	}
	s.conversations[conversation.ID] = conversation
	s.byTriple[key] = conversation.ID

	created := *conversation
	return &created, true, nil
}

func (s *MemoryStore) GetConversationForParticipant(
	ctx context.Context,
	conversationID int64,
	userID int64,
) (*models.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[conversationID]
	if !ok || !conversation.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	found := *conversation
	return &found, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]models.ConversationSummary, 0)
	for _, conversation := range s.conversations {
		if !conversation.HasParticipant(userID) {
			continue
		}
		summaries = append(summaries, s.summaryLocked(conversation, userID))
	}
	return summaries, nil
}

func (s *MemoryStore) GetConversationSummary(
	ctx context.Context,
	conversationID int64,
	userID int64,
) (*models.ConversationSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[conversationID]
	if !ok || !conversation.HasParticipant(userID) {
		return nil, ErrNotFound
	}
	summary := s.summaryLocked(conversation, userID)
	return &summary, nil
}

func (s *MemoryStore) summaryLocked(conversation *models.Conversation, userID int64) models.ConversationSummary {
	summary := models.ConversationSummary{
		Conversation:          *conversation,
		OtherParticipantLabel: s.userLabels[conversation.OtherParticipant(userID)],
	}
	if conversation.ProductID != nil {
		summary.TopicLabel = s.productLabels[*conversation.ProductID]
	}
	timeline := s.messages[conversation.ID]
	if len(timeline) > 0 {
		last := timeline[len(timeline)-1]
		summary.LastMessage = &last
	}
	for _, message := range timeline {
		if message.SenderID != userID && !message.IsRead {
			summary.UnreadCount++
		}
	}
	return summary
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.messages[conversationID]), nil
}

func (s *MemoryStore) CreateMessage(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	body string,
) (*models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conversation, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	s.nextMessageID++
	message := models.Message{
		ID:             s.nextMessageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      s.timestampLocked(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], message)
	if message.CreatedAt.After(conversation.UpdatedAt) {
		conversation.UpdatedAt = message.CreatedAt
	}

	s.broker.Dispatch(changefeed.MessageInserted{Message: message}, nil)
	return &message, nil
}

func (s *MemoryStore) MarkMessagesRead(
	ctx context.Context,
	conversationID int64,
	readerID int64,
	messageIDs []int64,
) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	timeline := s.messages[conversationID]
	updated := make([]int64, 0, len(messageIDs))
	for i := range timeline {
		message := &timeline[i]
		if message.SenderID == readerID || message.IsRead || !slices.Contains(messageIDs, message.ID) {
			continue
		}
		message.IsRead = true
		updated = append(updated, message.ID)
		s.broker.Dispatch(changefeed.MessageUpdated{
			MessageID:      message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			IsRead:         true,
		}, nil)
	}
	return updated, nil
}

// timestampLocked returns a strictly increasing creation time so the
// (created_at, id) order equals insertion order.
func (s *MemoryStore) timestampLocked() time.Time {
	now := s.now().UTC()
	if !now.After(s.lastCreatedAt) {
		now = s.lastCreatedAt.Add(time.Microsecond)
	}
	s.lastCreatedAt = now
	return now
}
