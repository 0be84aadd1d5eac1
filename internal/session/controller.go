package session

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ecovira/marketchat/internal/models"
	"github.com/ecovira/marketchat/internal/services"
)

const defaultTimelineCacheSize = 32

type intent struct {
	apply func(*Controller) bool
	done  chan bool
}

// Controller owns State. Every mutation is an intent executed by a single
// goroutine, so concurrent commands and live events never interleave inside
// one update. Observers receive a copy after each change.
type Controller struct {
	viewerID int64

	intents   chan intent
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	state     State
	epoch     uint64
	loading   int
	timelines *lru.Cache

	watchMu  sync.Mutex
	watchers map[chan State]struct{}
}

func NewController(viewerID int64, cacheSize int) *Controller {
	if cacheSize <= 0 {
		cacheSize = defaultTimelineCacheSize
	}
	timelines, err := lru.New(cacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}

	c := &Controller{
		viewerID: viewerID,
		intents:  make(chan intent),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		state: State{
			Conversations: []models.ConversationSummary{},
			Messages:      []models.Message{},
		},
		timelines: timelines,
		watchers:  make(map[chan State]struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.stopped)
	for {
		select {
		case in := <-c.intents:
			changed := in.apply(c)
			in.done <- changed
			if changed {
				c.publish(c.state.clone())
			}
		case <-c.quit:
			return
		}
	}
}

// do runs fn on the controller goroutine and waits for it. After Close it
// returns false without running fn.
func (c *Controller) do(fn func(*Controller) bool) bool {
	in := intent{apply: fn, done: make(chan bool, 1)}
	select {
	case c.intents <- in:
	case <-c.quit:
		return false
	}
	select {
	case changed := <-in.done:
		return changed
	case <-c.stopped:
		return false
	}
}

func (c *Controller) publish(snapshot State) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for ch := range c.watchers {
		// Latest wins: a watcher that has not consumed the previous snapshot
		// gets it replaced.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Watch returns a channel carrying the most recent State after every change.
// The channel is closed by the returned cancel func or by Close.
func (c *Controller) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.watchMu.Lock()
	c.watchers[ch] = struct{}{}
	c.watchMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.watchMu.Lock()
			if _, ok := c.watchers[ch]; ok {
				delete(c.watchers, ch)
				close(ch)
			}
			c.watchMu.Unlock()
		})
	}
	return ch, cancel
}

// Close stops the controller and closes every watcher.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.quit)
		<-c.stopped
		c.watchMu.Lock()
		for ch := range c.watchers {
			delete(c.watchers, ch)
			close(ch)
		}
		c.watchMu.Unlock()
	})
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	var out State
	c.do(func(c *Controller) bool {
		out = c.state.clone()
		return false
	})
	return out
}

// ActiveConversation returns the active conversation id and the epoch it was
// activated with.
func (c *Controller) ActiveConversation() (int64, uint64, bool) {
	var (
		id     int64
		epoch  uint64
		active bool
	)
	c.do(func(c *Controller) bool {
		epoch = c.epoch
		if c.state.ActiveConversationID != nil {
			id, active = *c.state.ActiveConversationID, true
		}
		return false
	})
	return id, epoch, active
}

// IsCurrent reports whether epoch is still the latest activation.
func (c *Controller) IsCurrent(epoch uint64) bool {
	var current bool
	c.do(func(c *Controller) bool {
		current = c.epoch == epoch
		return false
	})
	return current
}

// SetActiveConversation switches the open conversation and returns the new
// epoch. The cached timeline of the target, if any, is shown and later loads
// merge into it. Results tagged with an older epoch are discarded from now on.
func (c *Controller) SetActiveConversation(conversationID *int64) uint64 {
	var epoch uint64
	c.do(func(c *Controller) bool {
		c.epoch++
		epoch = c.epoch

		if prev := c.state.ActiveConversationID; prev != nil {
			c.timelines.Add(*prev, slices.Clone(c.state.Messages))
		}
		c.state.PendingRead = nil
		c.state.ChannelErr = nil
		if conversationID == nil {
			c.state.ActiveConversationID = nil
			c.state.Messages = []models.Message{}
			return true
		}

		id := *conversationID
		c.state.ActiveConversationID = &id
		c.state.Messages = []models.Message{}
		if cached, ok := c.timelines.Get(id); ok {
			c.state.Messages = slices.Clone(cached.([]models.Message))
		}
		return true
	})
	return epoch
}

// SetConversations replaces the conversation list.
func (c *Controller) SetConversations(conversations []models.ConversationSummary) {
	c.do(func(c *Controller) bool {
		c.state.Conversations = slices.Clone(conversations)
		if c.state.Conversations == nil {
			c.state.Conversations = []models.ConversationSummary{}
		}
		return true
	})
}

// UpsertConversation adds or replaces one summary and keeps the list ordered
// by recent activity.
func (c *Controller) UpsertConversation(summary models.ConversationSummary) {
	c.do(func(c *Controller) bool {
		idx := slices.IndexFunc(c.state.Conversations, func(s models.ConversationSummary) bool {
			return s.ID == summary.ID
		})
		if idx >= 0 {
			c.state.Conversations[idx] = summary
		} else {
			c.state.Conversations = append(c.state.Conversations, summary)
		}
		sortSummaries(c.state.Conversations)
		return true
	})
}

// SetMessages merges a fetched timeline of conversationID into the one in
// State. Messages are matched by id; anything already shown but missing from
// the fetch (a live insert committed after the fetch read its snapshot) is
// kept, and a read flag already seen as true is never turned back. It returns
// false and changes nothing if epoch is stale or the conversation is no longer
// active.
func (c *Controller) SetMessages(epoch uint64, conversationID int64, messages []models.Message) bool {
	return c.do(func(c *Controller) bool {
		if epoch != c.epoch || !c.state.isActive(conversationID) {
			return false
		}
		c.state.Messages = mergeTimeline(c.state.Messages, messages)
		c.timelines.Add(conversationID, slices.Clone(c.state.Messages))
		c.refreshUnreadLocked(conversationID)
		return true
	})
}

// mergeTimeline returns the union by id of shown and fetched, ordered by
// models.CompareMessages.
func mergeTimeline(shown, fetched []models.Message) []models.Message {
	byID := make(map[int64]int, len(shown))
	timeline := make([]models.Message, 0, len(shown)+len(fetched))
	for _, m := range shown {
		byID[m.ID] = len(timeline)
		timeline = append(timeline, m)
	}
	for _, m := range fetched {
		idx, ok := byID[m.ID]
		if !ok {
			byID[m.ID] = len(timeline)
			timeline = append(timeline, m)
			continue
		}
		read := services.MergeReadFlag(timeline[idx].IsRead, m.IsRead)
		timeline[idx] = m
		timeline[idx].IsRead = read
	}
	slices.SortStableFunc(timeline, models.CompareMessages)
	return timeline
}

// AddMessage inserts message into the timeline at its sorted position and
// reports whether it was added. Duplicates by id and messages for a
// conversation that is not active are not added; the conversation summary is
// refreshed either way.
func (c *Controller) AddMessage(message models.Message) bool {
	var added bool
	c.do(func(c *Controller) bool {
		changed := c.touchSummaryLocked(message)

		if !c.state.isActive(message.ConversationID) {
			return changed
		}
		if idx := slices.IndexFunc(c.state.Messages, func(m models.Message) bool {
			return m.ID == message.ID
		}); idx >= 0 {
			existing := &c.state.Messages[idx]
			merged := services.MergeReadFlag(existing.IsRead, message.IsRead)
			if merged == existing.IsRead {
				return changed
			}
			existing.IsRead = merged
			return true
		}

		pos, _ := slices.BinarySearchFunc(c.state.Messages, message, models.CompareMessages)
		c.state.Messages = slices.Insert(c.state.Messages, pos, message)
		c.timelines.Add(message.ConversationID, slices.Clone(c.state.Messages))
		c.refreshUnreadLocked(message.ConversationID)
		added = true
		return true
	})
	return added
}

// MarkRead flips the given messages of the active conversation to read and
// clears them from PendingRead.
func (c *Controller) MarkRead(conversationID int64, messageIDs []int64) int {
	var flipped int
	c.do(func(c *Controller) bool {
		if !c.state.isActive(conversationID) || len(messageIDs) == 0 {
			return false
		}
		flipped = services.ApplyRead(c.state.Messages, messageIDs)
		pending := len(c.state.PendingRead)
		c.state.PendingRead = slices.DeleteFunc(c.state.PendingRead, func(id int64) bool {
			return slices.Contains(messageIDs, id)
		})
		if len(c.state.PendingRead) == 0 {
			c.state.PendingRead = nil
		}
		if flipped == 0 && pending == len(c.state.PendingRead) {
			return false
		}
		c.timelines.Add(conversationID, slices.Clone(c.state.Messages))
		c.refreshUnreadLocked(conversationID)
		return true
	})
	return flipped
}

// ApplyReadUpdate merges an is_read change for one message in place. The
// flag never goes back from true and the message keeps its position.
func (c *Controller) ApplyReadUpdate(conversationID, messageID int64, isRead bool) bool {
	return c.do(func(c *Controller) bool {
		if !c.state.isActive(conversationID) {
			return false
		}
		idx := slices.IndexFunc(c.state.Messages, func(m models.Message) bool {
			return m.ID == messageID
		})
		if idx < 0 {
			return false
		}
		message := &c.state.Messages[idx]
		merged := services.MergeReadFlag(message.IsRead, isRead)
		if merged == message.IsRead {
			return false
		}
		message.IsRead = merged
		c.timelines.Add(conversationID, slices.Clone(c.state.Messages))
		c.refreshUnreadLocked(conversationID)
		return true
	})
}

// SetPendingRead records ids whose durable read flip failed, so they can be
// retried. Stale epochs are ignored.
func (c *Controller) SetPendingRead(epoch uint64, conversationID int64, messageIDs []int64) bool {
	return c.do(func(c *Controller) bool {
		if epoch != c.epoch || !c.state.isActive(conversationID) {
			return false
		}
		for _, id := range messageIDs {
			if !slices.Contains(c.state.PendingRead, id) {
				c.state.PendingRead = append(c.state.PendingRead, id)
			}
		}
		return true
	})
}

// PendingRead returns the pending ids of the active conversation.
func (c *Controller) PendingRead() (int64, []int64) {
	var (
		conversationID int64
		pending        []int64
	)
	c.do(func(c *Controller) bool {
		if c.state.ActiveConversationID != nil {
			conversationID = *c.state.ActiveConversationID
		}
		pending = slices.Clone(c.state.PendingRead)
		return false
	})
	return conversationID, pending
}

// SetLoading nests: every true has to be matched by a false before Loading
// reports false again.
func (c *Controller) SetLoading(loading bool) {
	c.do(func(c *Controller) bool {
		if loading {
			c.loading++
		} else if c.loading > 0 {
			c.loading--
		}
		next := c.loading > 0
		if next == c.state.Loading {
			return false
		}
		c.state.Loading = next
		return true
	})
}

// SetError records err as the current error; nil clears it.
func (c *Controller) SetError(err error) {
	c.do(func(c *Controller) bool {
		if c.state.Err == nil && err == nil {
			return false
		}
		c.state.Err = err
		return true
	})
}

// SetErrorIfCurrent records err only while epoch is the latest activation.
func (c *Controller) SetErrorIfCurrent(epoch uint64, err error) bool {
	return c.do(func(c *Controller) bool {
		if epoch != c.epoch {
			return false
		}
		c.state.Err = err
		return true
	})
}

// SetChannelError records the live channel state of the activation epoch; nil
// marks the channel healthy again. Stale epochs are ignored.
func (c *Controller) SetChannelError(epoch uint64, err error) bool {
	return c.do(func(c *Controller) bool {
		if epoch != c.epoch || (err == nil && c.state.ChannelErr == nil) {
			return false
		}
		c.state.ChannelErr = err
		return true
	})
}

func (c *Controller) touchSummaryLocked(message models.Message) bool {
	idx := slices.IndexFunc(c.state.Conversations, func(s models.ConversationSummary) bool {
		return s.ID == message.ConversationID
	})
	if idx < 0 {
		return false
	}
	summary := &c.state.Conversations[idx]
	if last := summary.LastMessage; last != nil && models.CompareMessages(*last, message) >= 0 {
		return false
	}

	latest := message
	summary.LastMessage = &latest
	summary.LastMessagePreview = models.Preview(message.Body)
	if message.CreatedAt.After(summary.UpdatedAt) {
		summary.UpdatedAt = message.CreatedAt
	}
	if services.ReadStateOf(message, c.viewerID) == services.Unread && !c.state.isActive(message.ConversationID) {
		summary.UnreadCount++
	}
	sortSummaries(c.state.Conversations)
	return true
}

// refreshUnreadLocked recomputes the unread badge of the active conversation
// from its timeline.
func (c *Controller) refreshUnreadLocked(conversationID int64) {
	idx := slices.IndexFunc(c.state.Conversations, func(s models.ConversationSummary) bool {
		return s.ID == conversationID
	})
	if idx < 0 {
		return
	}
	c.state.Conversations[idx].UnreadCount = len(services.UnreadInbound(c.state.Messages, c.viewerID))
}

func sortSummaries(summaries []models.ConversationSummary) {
	slices.SortStableFunc(summaries, func(a, b models.ConversationSummary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
}
