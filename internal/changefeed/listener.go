package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/metrics"
	"github.com/ecovira/marketchat/internal/repository"
)

// Listener holds one dedicated connection on LISTEN and forwards every
// notification to a Dispatcher. Notifications arrive in commit order.
type Listener struct {
	pool        *pgxpool.Pool
	channel     string
	dispatcher  Dispatcher
	maxInterval time.Duration
	log         zerolog.Logger

	// With a lock key only the instance holding the advisory lock listens;
	// the others poll for it every standbyPoll.
	lockKey     int64
	leaderLock  bool
	standbyPoll time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

type ListenerOption func(*Listener)

// WithLeaderLock makes the listener take the session advisory lock key before
// it listens. Use it when several instances share one relay, so that every
// change is published once.
func WithLeaderLock(key int64) ListenerOption {
	return func(l *Listener) {
		l.lockKey = key
		l.leaderLock = true
	}
}

// WithStandbyPoll sets how often a standby instance retries the leader lock.
func WithStandbyPoll(interval time.Duration) ListenerOption {
	return func(l *Listener) {
		if interval > 0 {
			l.standbyPoll = interval
		}
	}
}

func NewListener(
	pool *pgxpool.Pool,
	dispatcher Dispatcher,
	maxInterval time.Duration,
	log zerolog.Logger,
	opts ...ListenerOption,
) *Listener {
	if maxInterval <= 0 {
		maxInterval = 30 * time.Second
	}
	l := &Listener{
		pool:        pool,
		channel:     Channel,
		dispatcher:  dispatcher,
		maxInterval: maxInterval,
		standbyPoll: 2 * time.Second,
		log:         log.With().Str("component", "feed-listener").Logger(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start runs the listen loop in the background until ctx ends or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.wg.Add(2)
		go func() {
			defer l.wg.Done()
			select {
			case <-l.done:
				cancel()
			case <-ctx.Done():
			}
		}()
		go func() {
			defer l.wg.Done()
			defer cancel()
			if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.log.Error().Err(err).Msg("listener stopped")
			}
		}()
		l.log.Info().Str("channel", l.channel).Msg("change feed listener started")
	})
}

func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		l.log.Info().Msg("change feed listener stopped")
	})
}

// Run listens until ctx is cancelled, reconnecting with exponential backoff
// whenever the connection drops.
func (l *Listener) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = l.maxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		err := l.listen(ctx, policy)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.log.Warn().Err(err).Dur("retry_in", wait).Msg("change feed connection lost")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
}

func (l *Listener) listen(ctx context.Context, policy backoff.BackOff) error {
	pooled, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	// The connection carries LISTEN and possibly the leader lock; closing it
	// releases both, so it never goes back to the pool.
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if l.leaderLock {
		if err := l.awaitLeadership(ctx, conn, policy); err != nil {
			return err
		}
		metrics.ListenerLeader.Set(1)
		defer metrics.ListenerLeader.Set(0)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", l.channel, err)
	}
	policy.Reset()

	// Anything committed while the previous connection was down was never
	// delivered, so subscribers have to resynchronise.
	l.dispatcher.Reset()

	messages := repository.NewMessageRepository(conn)
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			l.dispatcher.Reset()
			return fmt.Errorf("wait for notification: %w", err)
		}

		payload := []byte(notification.Payload)
		evt, err := Decode(payload)
		if err != nil {
			metrics.MalformedEvents.Inc()
			l.log.Warn().Err(err).Str("payload", notification.Payload).Msg("rejecting change event")
			continue
		}
		metrics.FeedEvents.WithLabelValues(string(evt.Kind()), "received").Inc()

		if inserted, ok := evt.(MessageInserted); ok && !inserted.Hydrated() {
			evt, payload, err = l.hydrate(ctx, messages, inserted)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The event is lost to subscribers; make them refetch.
				metrics.FeedEvents.WithLabelValues(string(KindInserted), "hydrate_failed").Inc()
				l.log.Error().Err(err).Int64("message_id", inserted.Message.ID).Msg("hydrate change event")
				l.dispatcher.Reset()
				continue
			}
		}
		l.dispatcher.Dispatch(evt, payload)
	}
}

// awaitLeadership blocks until conn holds the leader lock. While another
// instance holds it this one stays on standby.
func (l *Listener) awaitLeadership(ctx context.Context, conn *pgx.Conn, policy backoff.BackOff) error {
	standby := false
	for {
		var acquired bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, l.lockKey).Scan(&acquired); err != nil {
			return fmt.Errorf("try leader lock: %w", err)
		}
		if acquired {
			l.log.Info().Int64("lock_key", l.lockKey).Msg("acquired change feed leadership")
			return nil
		}
		if !standby {
			standby = true
			policy.Reset()
			l.log.Info().Int64("lock_key", l.lockKey).Msg("change feed leader elsewhere, standing by")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.standbyPoll):
		}
	}
}

// hydrate reads the inserted row back on the listening connection and returns
// the full event with its relayable payload.
func (l *Listener) hydrate(ctx context.Context, messages *repository.MessageRepository, inserted MessageInserted) (Event, []byte, error) {
	message, err := messages.GetByID(ctx, inserted.Message.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load message %d: %w", inserted.Message.ID, err)
	}
	message.CreatedAt = message.CreatedAt.UTC()
	payload, err := EncodeInserted(*message)
	if err != nil {
		return nil, nil, err
	}
	return MessageInserted{Message: *message}, payload, nil
}
