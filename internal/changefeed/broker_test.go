package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ecovira/marketchat/internal/models"
)

func inserted(id, conversationID int64) MessageInserted {
	return MessageInserted{Message: models.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       1,
		Body:           "hi",
		CreatedAt:      time.Now().UTC(),
	}}
}

func TestBrokerDeliversPerConversation(t *testing.T) {
	broker := NewBroker(4, zerolog.Nop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first, err := broker.Subscribe(ctx, 1)
	require.NoError(t, err)
	second, err := broker.Subscribe(ctx, 2)
	require.NoError(t, err)

	broker.Dispatch(inserted(10, 1), nil)
	broker.Dispatch(inserted(11, 1), nil)

	require.Equal(t, int64(10), (<-first).(MessageInserted).Message.ID)
	require.Equal(t, int64(11), (<-first).(MessageInserted).Message.ID)
	select {
	case evt := <-second:
		t.Fatalf("unexpected event for conversation 2: %v", evt)
	default:
	}
}

func TestBrokerRemovesSubscriberOnCancel(t *testing.T) {
	broker := NewBroker(4, zerolog.Nop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := broker.Subscribe(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, broker.Subscribers(1))

	cancel()
	require.Eventually(t, func() bool { return broker.Subscribers(1) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-events
	require.False(t, ok)
}

func TestBrokerDropsSlowSubscriber(t *testing.T) {
	broker := NewBroker(1, zerolog.Nop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := broker.Subscribe(ctx, 1)
	require.NoError(t, err)

	broker.Dispatch(inserted(1, 1), nil)
	broker.Dispatch(inserted(2, 1), nil)

	require.Equal(t, 0, broker.Subscribers(1))
	_, ok := <-events
	require.True(t, ok, "buffered event is still delivered")
	_, ok = <-events
	require.False(t, ok)
}

func TestBrokerResetClosesSubscribers(t *testing.T) {
	broker := NewBroker(4, zerolog.Nop())
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := broker.Subscribe(ctx, 1)
	require.NoError(t, err)

	broker.Reset()

	_, ok := <-events
	require.False(t, ok)

	again, err := broker.Subscribe(ctx, 1)
	require.NoError(t, err)
	broker.Dispatch(inserted(3, 1), nil)
	require.Equal(t, int64(3), (<-again).(MessageInserted).Message.ID)
}

func TestBrokerRejectsSubscribeAfterClose(t *testing.T) {
	broker := NewBroker(4, zerolog.Nop())
	broker.Close()

	_, err := broker.Subscribe(context.Background(), 1)
	require.ErrorIs(t, err, ErrBrokerClosed)
}
