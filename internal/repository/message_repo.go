package repository

import (
	"context"

	"github.com/ecovira/marketchat/internal/models"
)

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(
	ctx context.Context,
	conversationID int64,
	senderID int64,
	body string,
) (*models.Message, error) {
	query := `
		INSERT INTO messages (conversation_id, sender_id, body, is_read)
		VALUES ($1, $2, $3, FALSE)
		RETURNING id, conversation_id, sender_id, body, is_read, created_at
	`

	var message models.Message
	err := r.db.QueryRow(ctx, query, conversationID, senderID, body).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Body,
		&message.IsRead,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// GetByID returns one message, or pgx.ErrNoRows.
func (r *MessageRepository) GetByID(ctx context.Context, id int64) (*models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, body, is_read, created_at
		FROM messages
		WHERE id = $1
	`

	var message models.Message
	err := r.db.QueryRow(ctx, query, id).Scan(
		&message.ID,
		&message.ConversationID,
		&message.SenderID,
		&message.Body,
		&message.IsRead,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &message, nil
}

// ListByConversation returns the full timeline in commit order.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID int64,
) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, body, is_read, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var message models.Message
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.SenderID,
			&message.Body,
			&message.IsRead,
			&message.CreatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

// MarkMessagesRead flips the inbound unread messages among messageIDs and
// returns the ids that actually changed. Already-read rows are left alone so
// concurrent callers never produce a second update event.
func (r *MessageRepository) MarkMessagesRead(
	ctx context.Context,
	conversationID int64,
	messageIDs []int64,
	readerID int64,
) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE conversation_id = $1
		  AND id = ANY($2)
		  AND sender_id <> $3
		  AND is_read = FALSE
		RETURNING id
	`, conversationID, messageIDs, readerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	updated := make([]int64, 0, len(messageIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		updated = append(updated, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return updated, nil
}
