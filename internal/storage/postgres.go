// Package storage implements the chat store on Postgres and in memory.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecovira/marketchat/internal/models"
	"github.com/ecovira/marketchat/internal/repository"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		db:               db,
		conversationRepo: repository.NewConversationRepository(db),
		messageRepo:      repository.NewMessageRepository(db),
	}
}

func (s *PostgresStore) FindOrCreateConversation(
	ctx context.Context,
	buyerID int64,
	sellerID int64,
	productID *int64,
) (*models.Conversation, bool, error) {
	return s.conversationRepo.CreateOrGet(ctx, buyerID, sellerID, productID)
}

func (s *PostgresStore) GetConversationForParticipant(
	ctx context.Context,
	conversationID int64,
	userID int64,
) (*models.Conversation, error) {
	conversation, err := s.conversationRepo.GetByIDForParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return conversation, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	return s.conversationRepo.ListForParticipant(ctx, userID)
}

func (s *PostgresStore) GetConversationSummary(
	ctx context.Context,
	conversationID int64,
	userID int64,
) (*models.ConversationSummary, error) {
	summary, err := s.conversationRepo.GetSummaryForParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, notFound(err)
	}
	return summary, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID int64) ([]models.Message, error) {
	return s.messageRepo.ListByConversation(ctx, conversationID)
}

// CreateMessage inserts the message and advances the conversation's
// updated_at in the same transaction.
func (s *PostgresStore) CreateMessage(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	body string,
) (*models.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	message, err := txMessageRepo.Create(ctx, conversationID, senderID, body)
	if err != nil {
		return nil, err
	}

	if err := txConversationRepo.Touch(ctx, conversationID, message.CreatedAt); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return message, nil
}

func (s *PostgresStore) MarkMessagesRead(
	ctx context.Context,
	conversationID int64,
	readerID int64,
	messageIDs []int64,
) ([]int64, error) {
	return s.messageRepo.MarkMessagesRead(ctx, conversationID, messageIDs, readerID)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
