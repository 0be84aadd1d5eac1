package services

import (
	"github.com/samber/lo"

	"github.com/ecovira/marketchat/internal/models"
)

// ReadState is the read-receipt state of a message from the viewer's side.
// The only transition is Unread -> Read.
type ReadState int

const (
	Unread ReadState = iota
	Read
)

func (s ReadState) String() string {
	if s == Read {
		return "read"
	}
	return "unread"
}

// ReadStateOf reports the state of an inbound message. Outbound messages are
// settled once written and always report Read.
func ReadStateOf(message models.Message, viewerID int64) ReadState {
	if !IsInbound(message, viewerID) || message.IsRead {
		return Read
	}
	return Unread
}

func IsInbound(message models.Message, viewerID int64) bool {
	return message.SenderID != viewerID
}

// MergeReadFlag combines the known flag with an incoming one. A message that
// is read stays read whatever order the updates arrive in.
func MergeReadFlag(current, incoming bool) bool {
	return current || incoming
}

// UnreadInbound returns the ids of inbound messages the viewer has not read.
func UnreadInbound(messages []models.Message, viewerID int64) []int64 {
	return lo.FilterMap(messages, func(m models.Message, _ int) (int64, bool) {
		return m.ID, ReadStateOf(m, viewerID) == Unread
	})
}

// ApplyRead flips the listed messages to read in place and returns how many
// actually changed. Applying it twice is a no-op.
func ApplyRead(messages []models.Message, ids []int64) int {
	if len(ids) == 0 {
		return 0
	}
	wanted := lo.SliceToMap(ids, func(id int64) (int64, struct{}) {
		return id, struct{}{}
	})

	changed := 0
	for i := range messages {
		if _, ok := wanted[messages[i].ID]; !ok || messages[i].IsRead {
			continue
		}
		messages[i].IsRead = true
		changed++
	}
	return changed
}
