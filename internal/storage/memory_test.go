package storage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ecovira/marketchat/internal/changefeed"
)

func TestMemoryStoreKeysNilProductSeparately(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	product := int64(4)

	plain, created, err := store.FindOrCreateConversation(ctx, 1, 2, nil)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := store.FindOrCreateConversation(ctx, 1, 2, nil)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, plain.ID, again.ID)

	scoped, created, err := store.FindOrCreateConversation(ctx, 1, 2, &product)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, plain.ID, scoped.ID)

	product = 99
	require.Equal(t, int64(4), *scoped.ProductID, "stored product must not alias the caller's pointer")
}

func TestMemoryStoreTimestampsStrictlyIncrease(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(nil, WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	conversation, _, err := store.FindOrCreateConversation(ctx, 1, 2, nil)
	require.NoError(t, err)
	first, err := store.CreateMessage(ctx, conversation.ID, 1, "a")
	require.NoError(t, err)
	second, err := store.CreateMessage(ctx, conversation.ID, 2, "b")
	require.NoError(t, err)

	require.True(t, second.CreatedAt.After(first.CreatedAt))

	found, err := store.GetConversationForParticipant(ctx, conversation.ID, 1)
	require.NoError(t, err)
	require.Equal(t, second.CreatedAt, found.UpdatedAt)
}

func TestMemoryStoreDispatchesChanges(t *testing.T) {
	broker := changefeed.NewBroker(8, zerolog.Nop())
	defer broker.Close()
	store := NewMemoryStore(broker)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conversation, _, err := store.FindOrCreateConversation(ctx, 1, 2, nil)
	require.NoError(t, err)
	events, err := store.Subscribe(ctx, conversation.ID)
	require.NoError(t, err)

	message, err := store.CreateMessage(ctx, conversation.ID, 1, "hello")
	require.NoError(t, err)
	evt := <-events
	inserted, ok := evt.(changefeed.MessageInserted)
	require.True(t, ok)
	require.Equal(t, message.ID, inserted.Message.ID)

	updated, err := store.MarkMessagesRead(ctx, conversation.ID, 2, []int64{message.ID})
	require.NoError(t, err)
	require.Equal(t, []int64{message.ID}, updated)
	evt = <-events
	readEvent, ok := evt.(changefeed.MessageUpdated)
	require.True(t, ok)
	require.True(t, readEvent.IsRead)
	require.Equal(t, message.ID, readEvent.MessageID)
}

func TestMemoryStoreRejectsOutsidersAndCancelledContext(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	conversation, _, err := store.FindOrCreateConversation(ctx, 1, 2, nil)
	require.NoError(t, err)
	_, err = store.GetConversationForParticipant(ctx, conversation.ID, 3)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetConversationSummary(ctx, conversation.ID, 3)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.CreateMessage(ctx, conversation.ID+1, 1, "lost")
	require.ErrorIs(t, err, ErrNotFound)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = store.ListMessages(cancelled, conversation.ID)
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreSummaryMatchesListEntry(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	store.SetUserLabel(2, "Dana")
	product := int64(9)
	store.SetProductLabel(product, "Vintage lamp")

	conversation, _, err := store.FindOrCreateConversation(ctx, 1, 2, &product)
	require.NoError(t, err)
	_, err = store.CreateMessage(ctx, conversation.ID, 2, "still available")
	require.NoError(t, err)

	summary, err := store.GetConversationSummary(ctx, conversation.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "Dana", summary.OtherParticipantLabel)
	require.Equal(t, "Vintage lamp", summary.TopicLabel)
	require.Equal(t, 1, summary.UnreadCount)

	list, err := store.ListConversations(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, list[0], *summary)
}
