package changefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/metrics"
)

var ErrBrokerClosed = errors.New("change feed broker closed")

// Dispatcher receives every decoded event together with the payload it was
// decoded from.
type Dispatcher interface {
	Dispatch(evt Event, payload []byte)
	// Reset tells downstream subscribers that events may have been missed.
	Reset()
}

type subscriber struct {
	conversationID int64
	events         chan Event
	closeOnce      sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

// Broker fans events out to subscribers registered per conversation.
// A subscriber whose buffer is full is dropped: its channel is closed and the
// owner is expected to subscribe again and resynchronise.
type Broker struct {
	mu          sync.Mutex
	subscribers map[int64]map[*subscriber]struct{}
	buffer      int
	closed      bool
	log         zerolog.Logger
}

func NewBroker(buffer int, log zerolog.Logger) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		subscribers: make(map[int64]map[*subscriber]struct{}),
		buffer:      buffer,
		log:         log.With().Str("component", "feed-broker").Logger(),
	}
}

var _ Dispatcher = (*Broker)(nil)

// Subscribe registers for events of one conversation. The returned channel is
// closed when ctx ends, when the subscriber is dropped, or on Reset.
func (b *Broker) Subscribe(ctx context.Context, conversationID int64) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &subscriber{
		conversationID: conversationID,
		events:         make(chan Event, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	set, ok := b.subscribers[conversationID]
	if !ok {
		set = make(map[*subscriber]struct{})
		b.subscribers[conversationID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	metrics.ActiveSubscriptions.Inc()

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()

	return sub.events, nil
}

func (b *Broker) Dispatch(evt Event, _ []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subscribers[evt.Conversation()]
	for sub := range set {
		select {
		case sub.events <- evt:
		default:
			b.log.Warn().
				Int64("conversation_id", sub.conversationID).
				Msg("subscriber buffer full, dropping subscriber")
			metrics.DroppedSubscribers.Inc()
			b.removeLocked(sub)
		}
	}
}

// Subscribers returns how many subscriptions conversationID currently has.
func (b *Broker) Subscribers(conversationID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[conversationID])
}

// Reset closes every subscriber channel.
func (b *Broker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, set := range b.subscribers {
		for sub := range set {
			b.removeLocked(sub)
		}
	}
}

// Close resets the broker and rejects future subscriptions.
func (b *Broker) Close() {
	b.Reset()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Broker) remove(sub *subscriber) {
	b.mu.Lock()
	b.removeLocked(sub)
	b.mu.Unlock()
}

func (b *Broker) removeLocked(sub *subscriber) {
	set, ok := b.subscribers[sub.conversationID]
	if !ok {
		return
	}
	if _, exists := set[sub]; !exists {
		return
	}
	delete(set, sub)
	sub.close()
	metrics.ActiveSubscriptions.Dec()
	if len(set) == 0 {
		delete(b.subscribers, sub.conversationID)
	}
}
