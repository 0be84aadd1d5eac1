package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ecovira/marketchat/internal/models"
)

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `id, buyer_id, seller_id, product_id, created_at, updated_at`

// Insert creates the conversation for the triple unless one already exists.
// It returns pgx.ErrNoRows when the unique constraint rejected the row.
func (r *ConversationRepository) Insert(
	ctx context.Context,
	buyerID int64,
	sellerID int64,
	productID *int64,
) (*models.Conversation, error) {
	query := `
		INSERT INTO conversations (buyer_id, seller_id, product_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (buyer_id, seller_id, product_id) DO NOTHING
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, buyerID, sellerID, productID))
}

func (r *ConversationRepository) GetByTriple(
	ctx context.Context,
	buyerID int64,
	sellerID int64,
	productID *int64,
) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE buyer_id = $1
		  AND seller_id = $2
		  AND product_id IS NOT DISTINCT FROM $3
	`

	return scanConversation(r.db.QueryRow(ctx, query, buyerID, sellerID, productID))
}

// CreateOrGet is a single conditional insert with a fetch fallback when a
// concurrent caller won the insert. The bool reports whether a row was created.
func (r *ConversationRepository) CreateOrGet(
	ctx context.Context,
	buyerID int64,
	sellerID int64,
	productID *int64,
) (*models.Conversation, bool, error) {
	conversation, err := r.Insert(ctx, buyerID, sellerID, productID)
	if err == nil {
		return conversation, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	conversation, err = r.GetByTriple(ctx, buyerID, sellerID, productID)
	if err != nil {
		return nil, false, fmt.Errorf("fetch conflicting conversation: %w", err)
	}
	return conversation, false, nil
}

func (r *ConversationRepository) GetByIDForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE id = $1 AND (buyer_id = $2 OR seller_id = $2)
	`

	return scanConversation(r.db.QueryRow(ctx, query, conversationID, participantID))
}

// summarySelect reads conversations with the viewer's labels, last message
// and unread count. $1 is the viewer.
const summarySelect = `
		SELECT
			c.id,
			c.buyer_id,
			c.seller_id,
			c.product_id,
			c.created_at,
			c.updated_at,
			u.display_name,
			p.name,
			lm.id,
			lm.conversation_id,
			lm.sender_id,
			lm.body,
			lm.is_read,
			lm.created_at,
			COALESCE(uc.unread_count, 0)
		FROM conversations c
		LEFT JOIN users u
			ON u.id = CASE WHEN c.buyer_id = $1 THEN c.seller_id ELSE c.buyer_id END
		LEFT JOIN products p ON p.id = c.product_id
		LEFT JOIN LATERAL (
			SELECT id, conversation_id, sender_id, body, is_read, created_at
			FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		) lm ON TRUE
		LEFT JOIN LATERAL (
			SELECT COUNT(*) AS unread_count
			FROM messages
			WHERE conversation_id = c.id
			  AND sender_id <> $1
			  AND is_read = FALSE
		) uc ON TRUE
`

func (r *ConversationRepository) ListForParticipant(
	ctx context.Context,
	participantID int64,
) ([]models.ConversationSummary, error) {
	query := summarySelect + `
		WHERE c.buyer_id = $1 OR c.seller_id = $1
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := r.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	return scanSummaries(rows)
}

// GetSummaryForParticipant is ListForParticipant for one conversation. It
// returns pgx.ErrNoRows when the conversation does not exist or participantID
// is not part of it.
func (r *ConversationRepository) GetSummaryForParticipant(
	ctx context.Context,
	conversationID int64,
	participantID int64,
) (*models.ConversationSummary, error) {
	query := summarySelect + `
		WHERE c.id = $2 AND (c.buyer_id = $1 OR c.seller_id = $1)
	`

	rows, err := r.db.Query(ctx, query, participantID, conversationID)
	if err != nil {
		return nil, err
	}
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &summaries[0], nil
}

func scanSummaries(rows pgx.Rows) ([]models.ConversationSummary, error) {
	defer rows.Close()

	summaries := make([]models.ConversationSummary, 0)
	for rows.Next() {
		var summary models.ConversationSummary
		var productID sql.NullInt64
		var otherName sql.NullString
		var productName sql.NullString
		var messageID sql.NullInt64
		var messageConversationID sql.NullInt64
		var messageSenderID sql.NullInt64
		var messageBody sql.NullString
		var messageIsRead sql.NullBool
		var messageCreatedAt sql.NullTime

		if err := rows.Scan(
			&summary.ID,
			&summary.BuyerID,
			&summary.SellerID,
			&productID,
			&summary.CreatedAt,
			&summary.UpdatedAt,
			&otherName,
			&productName,
			&messageID,
			&messageConversationID,
			&messageSenderID,
			&messageBody,
			&messageIsRead,
			&messageCreatedAt,
			&summary.UnreadCount,
		); err != nil {
			return nil, err
		}

		if productID.Valid {
			summary.ProductID = &productID.Int64
		}
		summary.OtherParticipantLabel = otherName.String
		summary.TopicLabel = productName.String

		if messageID.Valid {
			summary.LastMessage = &models.Message{
				ID:             messageID.Int64,
				ConversationID: messageConversationID.Int64,
				SenderID:       messageSenderID.Int64,
				Body:           messageBody.String,
				IsRead:         messageIsRead.Bool,
				CreatedAt:      messageCreatedAt.Time,
			}
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return summaries, nil
}

// Touch advances updated_at to at. It never moves it backwards.
func (r *ConversationRepository) Touch(ctx context.Context, conversationID int64, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
	`, conversationID, at)
	return err
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var conversation models.Conversation
	var productID sql.NullInt64
	err := row.Scan(
		&conversation.ID,
		&conversation.BuyerID,
		&conversation.SellerID,
		&productID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if productID.Valid {
		conversation.ProductID = &productID.Int64
	}
	return &conversation, nil
}
