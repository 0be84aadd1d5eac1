package session

import (
	"slices"

	"github.com/ecovira/marketchat/internal/models"
)

// State is the read model handed to the presentation layer. Messages always
// belong to ActiveConversationID.
//
// Err is the outcome of the latest command and is cleared by the next one that
// succeeds. ChannelErr is set when the live channel of the active conversation
// gave up; only a successful resubscribe or another activation clears it.
type State struct {
	Conversations        []models.ConversationSummary `json:"conversations"`
	ActiveConversationID *int64                       `json:"active_conversation_id"`
	Messages             []models.Message             `json:"messages"`
	PendingRead          []int64                      `json:"pending_read,omitempty"`
	Loading              bool                         `json:"loading"`
	Err                  error                        `json:"-"`
	ChannelErr           error                        `json:"-"`
}

// ErrorText returns the error message, or "" when there is none.
func (s State) ErrorText() string {
	return errorText(s.Err)
}

// ChannelErrorText is ErrorText for ChannelErr.
func (s State) ChannelErrorText() string {
	return errorText(s.ChannelErr)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (s State) isActive(conversationID int64) bool {
	return s.ActiveConversationID != nil && *s.ActiveConversationID == conversationID
}

func (s State) clone() State {
	out := s
	out.Conversations = slices.Clone(s.Conversations)
	for i := range out.Conversations {
		if last := out.Conversations[i].LastMessage; last != nil {
			copied := *last
			out.Conversations[i].LastMessage = &copied
		}
	}
	if s.ActiveConversationID != nil {
		id := *s.ActiveConversationID
		out.ActiveConversationID = &id
	}
	out.Messages = slices.Clone(s.Messages)
	out.PendingRead = slices.Clone(s.PendingRead)
	return out
}
