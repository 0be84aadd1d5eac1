package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/changefeed"
	"github.com/ecovira/marketchat/internal/metrics"
)

// Feed delivers committed changes of one conversation. The returned channel
// closes when ctx ends or when the feed loses events; the caller is then
// expected to subscribe again and resynchronise.
type Feed interface {
	Subscribe(ctx context.Context, conversationID int64) (<-chan changefeed.Event, error)
}

// RetryPolicy bounds how hard the live channel tries to (re)subscribe.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.InitialInterval
	policy.MaxInterval = p.MaxInterval
	policy.MaxElapsedTime = 0
	return backoff.WithMaxRetries(policy, uint64(p.MaxAttempts))
}

// liveHandler receives everything a subscription produces. Calls for one
// subscription are sequential; they carry the epoch the subscription was
// opened with.
type liveHandler interface {
	handleEvent(ctx context.Context, epoch uint64, evt changefeed.Event)
	resync(ctx context.Context, epoch uint64, conversationID int64)
	channelRestored(epoch uint64)
	channelFailed(epoch uint64, conversationID int64, err error)
}

type subscription struct {
	conversationID int64
	epoch          uint64
	rearmed        bool
	cancel         context.CancelFunc
	done           chan struct{}
	failed         atomic.Bool
}

// LiveChannel keeps at most one feed subscription, always for the latest
// activated conversation.
type LiveChannel struct {
	feed    Feed
	handler liveHandler
	retry   RetryPolicy
	log     zerolog.Logger

	mu        sync.Mutex
	base      context.Context
	current   *subscription
	lastEpoch uint64
	closed    bool

	// Epoch of the most recent successful subscribe.
	subscribed atomic.Uint64
}

func newLiveChannel(ctx context.Context, feed Feed, handler liveHandler, retry RetryPolicy, log zerolog.Logger) *LiveChannel {
	return &LiveChannel{
		feed:    feed,
		handler: handler,
		retry:   retry.withDefaults(),
		log:     log.With().Str("component", "live-channel").Logger(),
		base:    ctx,
	}
}

// Switch tears down the current subscription, waits for it to finish, then
// opens one for conversationID (none when nil). A switch carrying an epoch
// older than one already applied is ignored.
func (l *LiveChannel) Switch(conversationID *int64, epoch uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || epoch < l.lastEpoch {
		return
	}
	l.lastEpoch = epoch
	l.stopLocked()

	if conversationID == nil {
		return
	}
	l.startLocked(*conversationID, epoch, false)
}

// Rearm restarts a subscription that ran out of retries, keeping its
// conversation and epoch. It reports whether a new attempt was started.
func (l *LiveChannel) Rearm() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.current == nil || !l.current.failed.Load() {
		return false
	}
	conversationID, epoch := l.current.conversationID, l.current.epoch
	l.stopLocked()
	l.startLocked(conversationID, epoch, true)
	metrics.Resubscribes.WithLabelValues("rearmed").Inc()
	return true
}

// Current returns the conversation the channel is subscribed to. A
// subscription that gave up does not count.
func (l *LiveChannel) Current() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || l.current.failed.Load() {
		return 0, false
	}
	return l.current.conversationID, true
}

func (l *LiveChannel) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.stopLocked()
}

func (l *LiveChannel) startLocked(conversationID int64, epoch uint64, rearmed bool) {
	ctx, cancel := context.WithCancel(l.base)
	sub := &subscription{
		conversationID: conversationID,
		epoch:          epoch,
		rearmed:        rearmed,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	l.current = sub
	go l.run(ctx, sub)
}

func (l *LiveChannel) stopLocked() {
	if l.current == nil {
		return
	}
	l.current.cancel()
	<-l.current.done
	l.current = nil
}

func (l *LiveChannel) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	defer sub.cancel()

	log := l.log.With().Int64("conversation_id", sub.conversationID).Uint64("epoch", sub.epoch).Logger()
	// Paces re-subscription after drops. Reset once a subscription has stayed
	// up for MaxInterval, so a feed that keeps closing immediately still runs
	// out of attempts.
	drops := l.retry.newBackOff()
	drops.Reset()

	first := true
	for {
		events, err := l.subscribe(ctx, sub.conversationID, log)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.fail(sub, err, log)
			return
		}
		l.subscribed.Store(sub.epoch)
		l.handler.channelRestored(sub.epoch)
		if !first || sub.rearmed {
			metrics.Resubscribes.WithLabelValues("ok").Inc()
			// Anything committed while we were away, or while a rearmed
			// channel was down, is picked up here.
			l.handler.resync(ctx, sub.epoch, sub.conversationID)
		}
		first = false

		opened := time.Now()
		if !l.consume(ctx, sub, events) {
			return
		}
		if time.Since(opened) >= l.retry.MaxInterval {
			drops.Reset()
		}

		wait := drops.NextBackOff()
		if wait == backoff.Stop {
			l.fail(sub, fmt.Errorf("%w: subscription keeps dropping", ErrChannelUnavailable), log)
			return
		}
		log.Warn().Dur("retry_in", wait).Msg("live channel dropped, resubscribing")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// fail marks sub as given up before reporting it, so Current and Rearm see
// the failure by the time the handler does.
func (l *LiveChannel) fail(sub *subscription, err error, log zerolog.Logger) {
	metrics.Resubscribes.WithLabelValues("exhausted").Inc()
	log.Error().Err(err).Msg("live channel unavailable")
	sub.failed.Store(true)
	l.handler.channelFailed(sub.epoch, sub.conversationID, err)
}

// consume forwards events until the feed closes the channel. It returns false
// when ctx ended.
func (l *LiveChannel) consume(ctx context.Context, sub *subscription, events <-chan changefeed.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-events:
			if !ok {
				return ctx.Err() == nil
			}
			if evt.Conversation() != sub.conversationID {
				metrics.FeedEvents.WithLabelValues(string(evt.Kind()), "foreign").Inc()
				continue
			}
			l.handler.handleEvent(ctx, sub.epoch, evt)
		}
	}
}

func (l *LiveChannel) subscribe(ctx context.Context, conversationID int64, log zerolog.Logger) (<-chan changefeed.Event, error) {
	var events <-chan changefeed.Event
	operation := func() error {
		ch, err := l.feed.Subscribe(ctx, conversationID)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		events = ch
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Dur("retry_in", wait).Msg("subscribe failed")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(l.retry.newBackOff(), ctx), notify)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return events, nil
}
