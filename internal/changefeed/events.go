// Package changefeed turns storage change notifications into typed message
// events and fans them out to per-conversation subscribers.
package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ecovira/marketchat/internal/models"
)

// Channel is the Postgres NOTIFY channel written by the messages triggers.
const Channel = "chat_messages"

var ErrMalformedEvent = errors.New("malformed change event")

var validate = validator.New()

type Kind string

const (
	KindInserted Kind = "INSERT"
	KindUpdated  Kind = "UPDATE"
)

// Event is the closed set of message change events. Only MessageInserted and
// MessageUpdated implement it.
type Event interface {
	Kind() Kind
	Conversation() int64
	isEvent()
}

// MessageInserted carries a new row. The database trigger leaves the body out
// of the notification, so a freshly decoded insert has an empty Body until the
// listener reads the row back; see Hydrated.
type MessageInserted struct {
	Message models.Message
}

// Hydrated reports whether the event carries the message body. Stored bodies
// are never empty.
func (e MessageInserted) Hydrated() bool { return e.Message.Body != "" }

func (e MessageInserted) Kind() Kind          { return KindInserted }
func (e MessageInserted) Conversation() int64 { return e.Message.ConversationID }
func (MessageInserted) isEvent()              {}

// MessageUpdated carries a read-state change. Consumers apply IsRead only.
type MessageUpdated struct {
	MessageID      int64
	ConversationID int64
	SenderID       int64
	IsRead         bool
}

func (e MessageUpdated) Kind() Kind          { return KindUpdated }
func (e MessageUpdated) Conversation() int64 { return e.ConversationID }
func (MessageUpdated) isEvent()              {}

type rawEvent struct {
	Table  string     `json:"table" validate:"required,eq=messages"`
	Type   string     `json:"type" validate:"required,oneof=INSERT UPDATE"`
	Record *rawRecord `json:"record" validate:"required"`
}

type rawRecord struct {
	ID             int64     `json:"id" validate:"gt=0"`
	ConversationID int64     `json:"conversation_id" validate:"gt=0"`
	SenderID       int64     `json:"sender_id" validate:"gt=0"`
	Body           string    `json:"body,omitempty"`
	IsRead         *bool     `json:"is_read"`
	CreatedAt      time.Time `json:"created_at" validate:"required"`
}

// Decode parses and validates a raw change payload. Anything that does not
// describe a message row is rejected with ErrMalformedEvent. The body is
// optional: NOTIFY payloads are capped at 8000 bytes, so the trigger sends row
// references and the listener hydrates inserts before dispatching them.
func Decode(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	record := raw.Record
	if record.IsRead == nil {
		return nil, fmt.Errorf("%w: is_read missing", ErrMalformedEvent)
	}

	switch Kind(raw.Type) {
	case KindInserted:
		return MessageInserted{Message: models.Message{
			ID:             record.ID,
			ConversationID: record.ConversationID,
			SenderID:       record.SenderID,
			Body:           record.Body,
			IsRead:         *record.IsRead,
			CreatedAt:      record.CreatedAt.UTC(),
		}}, nil
	case KindUpdated:
		return MessageUpdated{
			MessageID:      record.ID,
			ConversationID: record.ConversationID,
			SenderID:       record.SenderID,
			IsRead:         *record.IsRead,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, raw.Type)
}

// EncodeInserted renders a hydrated insert in the notification format, body
// included, for relays that republish it.
func EncodeInserted(message models.Message) ([]byte, error) {
	isRead := message.IsRead
	payload, err := json.Marshal(rawEvent{
		Table: "messages",
		Type:  string(KindInserted),
		Record: &rawRecord{
			ID:             message.ID,
			ConversationID: message.ConversationID,
			SenderID:       message.SenderID,
			Body:           message.Body,
			IsRead:         &isRead,
			CreatedAt:      message.CreatedAt,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode insert %d: %w", message.ID, err)
	}
	return payload, nil
}
