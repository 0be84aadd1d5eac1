package changefeed

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/metrics"
)

const (
	redisChannelPrefix  = "chat:conversation:"
	redisControlChannel = "chat:control"
	redisResetMessage   = "reset"
	publishTimeout      = 3 * time.Second
)

func redisChannel(conversationID int64) string {
	return fmt.Sprintf("%s%d", redisChannelPrefix, conversationID)
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// RedisRelay republishes listener events on per-conversation Redis channels
// so that every API instance can serve subscriptions from one listener.
type RedisRelay struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisRelay(client *redis.Client, log zerolog.Logger) *RedisRelay {
	return &RedisRelay{
		client: client,
		log:    log.With().Str("component", "feed-relay").Logger(),
	}
}

var _ Dispatcher = (*RedisRelay)(nil)

func (r *RedisRelay) Dispatch(evt Event, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, redisChannel(evt.Conversation()), payload).Err(); err != nil {
		r.log.Error().Err(err).Int64("conversation_id", evt.Conversation()).Msg("publish change event")
		metrics.FeedEvents.WithLabelValues(string(evt.Kind()), "relay_failed").Inc()
	}
}

func (r *RedisRelay) Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, redisControlChannel, redisResetMessage).Err(); err != nil {
		r.log.Error().Err(err).Msg("publish feed reset")
	}
}

// RedisFeed serves subscriptions from the channels written by RedisRelay.
type RedisFeed struct {
	client *redis.Client
	buffer int
	log    zerolog.Logger
}

func NewRedisFeed(client *redis.Client, buffer int, log zerolog.Logger) *RedisFeed {
	if buffer <= 0 {
		buffer = 16
	}
	return &RedisFeed{
		client: client,
		buffer: buffer,
		log:    log.With().Str("component", "feed-redis").Logger(),
	}
}

// Subscribe follows one conversation channel plus the control channel. The
// returned channel closes on ctx end, on a relay reset or when the consumer
// falls behind.
func (f *RedisFeed) Subscribe(ctx context.Context, conversationID int64) (<-chan Event, error) {
	pubsub := f.client.Subscribe(ctx, redisChannel(conversationID), redisControlChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe: %w", err)
	}

	events := make(chan Event, f.buffer)
	metrics.ActiveSubscriptions.Inc()
	go func() {
		defer metrics.ActiveSubscriptions.Dec()
		defer close(events)
		defer pubsub.Close()

		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-incoming:
				if !ok {
					return
				}
				if msg.Channel == redisControlChannel {
					if msg.Payload == redisResetMessage {
						return
					}
					continue
				}
				evt, err := Decode([]byte(msg.Payload))
				if err != nil {
					metrics.MalformedEvents.Inc()
					f.log.Warn().Err(err).Msg("rejecting relayed change event")
					continue
				}
				select {
				case events <- evt:
				default:
					metrics.DroppedSubscribers.Inc()
					f.log.Warn().Int64("conversation_id", conversationID).Msg("subscriber buffer full, dropping subscriber")
					return
				}
			}
		}
	}()

	return events, nil
}
