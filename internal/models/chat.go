package models

import (
	"cmp"
	"time"
)

type Conversation struct {
	ID        int64     `json:"id"`
	BuyerID   int64     `json:"buyer_id"`
	SellerID  int64     `json:"seller_id"`
	ProductID *int64    `json:"product_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OtherParticipant returns the participant that is not viewerID.
func (c Conversation) OtherParticipant(viewerID int64) int64 {
	if c.BuyerID == viewerID {
		return c.SellerID
	}
	return c.BuyerID
}

func (c Conversation) HasParticipant(userID int64) bool {
	return c.BuyerID == userID || c.SellerID == userID
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Body           string    `json:"body"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
}

// CompareMessages orders messages by creation time, then by id for
// messages committed within the same timestamp.
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

type ConversationSummary struct {
	Conversation
	LastMessage           *Message `json:"last_message,omitempty"`
	LastMessagePreview    string   `json:"last_message_preview"`
	OtherParticipantLabel string   `json:"other_participant_label"`
	TopicLabel            string   `json:"topic_label,omitempty"`
	UnreadCount           int      `json:"unread_count"`
}

const previewLength = 80

// Preview shortens body for list display.
func Preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLength {
		return body
	}
	return string(runes[:previewLength-1]) + "…"
}
