// Package session drives one viewer's live chat: which conversation is open,
// its timeline, read receipts and the live subscription that keeps it fresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/changefeed"
	"github.com/ecovira/marketchat/internal/metrics"
	"github.com/ecovira/marketchat/internal/models"
	"github.com/ecovira/marketchat/internal/services"
)

var (
	// ErrSuperseded means the result belonged to a conversation that is no
	// longer active and was discarded.
	ErrSuperseded = errors.New("superseded by a newer conversation switch")
	// ErrChannelUnavailable is recorded in State.ChannelErr when the live
	// subscription could not be re-established within the retry budget.
	ErrChannelUnavailable = errors.New("live channel unavailable")
)

// Identity reports the signed-in user. It is consulted on every command, so
// an identity that expires makes later commands fail with ErrNotAuthenticated.
type Identity interface {
	CurrentUser(ctx context.Context) (int64, bool)
}

type IdentityFunc func(ctx context.Context) (int64, bool)

func (f IdentityFunc) CurrentUser(ctx context.Context) (int64, bool) {
	return f(ctx)
}

type Config struct {
	TimelineCacheSize int
	Retry             RetryPolicy
}

// Session is bound to one viewer for its whole life.
type Session struct {
	ID       string
	viewerID int64
	identity Identity
	chat     *services.ChatService
	ctrl     *Controller
	live     *LiveChannel
	cancel   context.CancelFunc
	log      zerolog.Logger
}

// New starts a session for the user identity currently reports.
func New(
	ctx context.Context,
	identity Identity,
	chat *services.ChatService,
	feed Feed,
	cfg Config,
	log zerolog.Logger,
) (*Session, error) {
	viewerID, ok := identity.CurrentUser(ctx)
	if !ok || viewerID <= 0 {
		return nil, services.ErrNotAuthenticated
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		ID:       uuid.NewString(),
		viewerID: viewerID,
		identity: identity,
		chat:     chat,
		ctrl:     NewController(viewerID, cfg.TimelineCacheSize),
		cancel:   cancel,
	}
	s.log = log.With().
		Str("component", "chat-session").
		Str("session_id", s.ID).
		Int64("viewer_id", viewerID).
		Logger()
	s.live = newLiveChannel(ctx, feed, s, cfg.Retry, s.log)
	return s, nil
}

func (s *Session) ViewerID() int64 {
	return s.viewerID
}

func (s *Session) Snapshot() State {
	return s.ctrl.Snapshot()
}

func (s *Session) Watch() (<-chan State, func()) {
	return s.ctrl.Watch()
}

// Close drops the live subscription and stops the controller.
func (s *Session) Close() {
	s.live.Close()
	s.cancel()
	s.ctrl.Close()
}

func (s *Session) authorize(ctx context.Context) (int64, error) {
	userID, ok := s.identity.CurrentUser(ctx)
	if !ok || userID != s.viewerID {
		return 0, services.ErrNotAuthenticated
	}
	return userID, nil
}

// observe times a command; defer the returned func with the named error.
func observe(command string) func(*error) {
	started := time.Now()
	return func(errp *error) {
		outcome := "ok"
		switch {
		case errors.Is(*errp, ErrSuperseded):
			outcome = "superseded"
		case *errp != nil:
			outcome = "error"
		}
		metrics.CommandDuration.WithLabelValues(command, outcome).Observe(time.Since(started).Seconds())
	}
}

// activate makes conversationID the open conversation and points the live
// channel at it. The returned epoch tags every result of that activation.
func (s *Session) activate(conversationID *int64) uint64 {
	epoch := s.ctrl.SetActiveConversation(conversationID)
	s.live.Switch(conversationID, epoch)
	return epoch
}

// StartConversation resolves the conversation for the triple and opens it.
// A new conversation opens with an empty timeline; an existing one loads its
// messages.
func (s *Session) StartConversation(ctx context.Context, buyerID, sellerID int64, productID *int64) (conversationID int64, err error) {
	defer observe("start_conversation")(&err)

	userID, err := s.authorize(ctx)
	if err != nil {
		return 0, err
	}
	if userID != buyerID && userID != sellerID {
		return 0, fmt.Errorf("%w: user %d is not a participant", services.ErrForbidden, userID)
	}

	s.ctrl.SetLoading(true)
	conversation, created, err := s.chat.StartConversation(ctx, buyerID, sellerID, productID)
	s.ctrl.SetLoading(false)
	if err != nil {
		if services.IsRetryable(err) {
			s.ctrl.SetError(err)
		}
		return 0, err
	}

	s.ctrl.UpsertConversation(s.summaryFor(ctx, *conversation))
	if created {
		epoch := s.activate(&conversation.ID)
		s.ctrl.SetMessages(epoch, conversation.ID, nil)
		return conversation.ID, nil
	}

	if _, err := s.LoadMessages(ctx, conversation.ID, userID); err != nil {
		if errors.Is(err, services.ErrNotAuthenticated) {
			return 0, err
		}
		// The failure is in State; the conversation itself was resolved.
		s.log.Warn().Err(err).Int64("conversation_id", conversation.ID).Msg("load after resolve failed")
	}
	return conversation.ID, nil
}

// LoadConversations refreshes the conversation list. On failure the previous
// list is kept and the error is recorded.
func (s *Session) LoadConversations(ctx context.Context, userID int64) (summaries []models.ConversationSummary, err error) {
	defer observe("load_conversations")(&err)

	current, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}
	if userID != current {
		return nil, fmt.Errorf("%w: cannot list conversations of user %d", services.ErrForbidden, userID)
	}

	s.rearmLive()
	s.ctrl.SetLoading(true)
	defer s.ctrl.SetLoading(false)

	summaries, err = s.chat.ListConversations(ctx, userID)
	if err != nil {
		s.ctrl.SetError(err)
		return nil, err
	}
	s.ctrl.SetConversations(summaries)
	s.ctrl.SetError(nil)
	return summaries, nil
}

// LoadMessages opens conversationID, loads its timeline and marks the inbound
// messages read. The result is dropped with ErrSuperseded if another
// conversation was opened meanwhile.
func (s *Session) LoadMessages(ctx context.Context, conversationID, userID int64) (messages []models.Message, err error) {
	defer observe("load_messages")(&err)

	current, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}
	if userID != current {
		return nil, fmt.Errorf("%w: cannot read as user %d", services.ErrForbidden, userID)
	}
	if conversationID <= 0 {
		return nil, fmt.Errorf("%w: conversation id must be positive", services.ErrValidationFailed)
	}

	epoch := s.activate(&conversationID)
	s.ctrl.SetLoading(true)
	defer s.ctrl.SetLoading(false)

	return s.refresh(ctx, epoch, conversationID, "load")
}

// refresh fetches the timeline for an activation and acknowledges it. Only
// the first step can be superseded: once the timeline is in State the
// read flip is carried out, or parked in PendingRead when storage fails.
func (s *Session) refresh(ctx context.Context, epoch uint64, conversationID int64, trigger string) ([]models.Message, error) {
	messages, err := s.chat.FetchMessages(ctx, conversationID, s.viewerID)
	if err != nil {
		if !s.ctrl.IsCurrent(epoch) {
			metrics.StaleResults.WithLabelValues(trigger).Inc()
			return nil, ErrSuperseded
		}
		s.ctrl.SetErrorIfCurrent(epoch, err)
		return nil, err
	}
	if !s.ctrl.SetMessages(epoch, conversationID, messages) {
		metrics.StaleResults.WithLabelValues(trigger).Inc()
		s.log.Debug().Int64("conversation_id", conversationID).Uint64("epoch", epoch).Msg("discarding stale timeline")
		return nil, ErrSuperseded
	}

	acknowledged, pending, err := s.chat.AcknowledgeMessages(ctx, conversationID, s.viewerID, messages)
	if err != nil {
		s.ctrl.SetPendingRead(epoch, conversationID, pending)
		s.ctrl.SetErrorIfCurrent(epoch, err)
		return messages, err
	}
	if flipped := s.ctrl.MarkRead(conversationID, services.UnreadInbound(messages, s.viewerID)); flipped > 0 {
		metrics.ReadReceipts.WithLabelValues(trigger).Add(float64(flipped))
	}
	s.ctrl.SetErrorIfCurrent(epoch, nil)
	return acknowledged, nil
}

// SetActiveConversation opens conversationID without loading it; nil closes
// the current conversation.
func (s *Session) SetActiveConversation(ctx context.Context, conversationID *int64) (err error) {
	defer observe("set_active_conversation")(&err)

	if _, err := s.authorize(ctx); err != nil {
		return err
	}
	s.activate(conversationID)
	return nil
}

// SendMessage writes body to the active conversation. The message appears in
// State only after storage confirms it; a failed send leaves the timeline
// untouched and returns the error so the caller can keep the draft.
func (s *Session) SendMessage(ctx context.Context, body string) (message *models.Message, err error) {
	defer observe("send_message")(&err)

	userID, err := s.authorize(ctx)
	if err != nil {
		return nil, err
	}
	conversationID, _, ok := s.ctrl.ActiveConversation()
	if !ok {
		return nil, fmt.Errorf("%w: no active conversation", services.ErrValidationFailed)
	}
	if _, err := s.chat.ValidateBody(body); err != nil {
		return nil, err
	}
	s.rearmLive()

	message, err = s.chat.SendMessage(ctx, conversationID, userID, body)
	if err != nil {
		if services.IsRetryable(err) {
			s.ctrl.SetError(err)
		}
		return nil, err
	}
	metrics.MessagesSent.Inc()
	s.ctrl.AddMessage(*message)
	return message, nil
}

// RetryPendingReads repeats the durable read flip for ids parked by a failed
// acknowledgement.
func (s *Session) RetryPendingReads(ctx context.Context) (err error) {
	defer observe("retry_pending_reads")(&err)

	userID, err := s.authorize(ctx)
	if err != nil {
		return err
	}
	s.rearmLive()
	conversationID, pending := s.ctrl.PendingRead()
	if len(pending) == 0 {
		return nil
	}
	if _, err := s.chat.MarkRead(ctx, conversationID, userID, pending); err != nil {
		s.ctrl.SetError(err)
		return err
	}
	if flipped := s.ctrl.MarkRead(conversationID, pending); flipped > 0 {
		metrics.ReadReceipts.WithLabelValues("retry").Add(float64(flipped))
	}
	s.ctrl.SetError(nil)
	return nil
}

// summaryFor returns the list entry for a conversation just resolved. The
// stored labels are used when they can be read; otherwise the entry already in
// State, or one with placeholder labels, stands in until the next list load.
func (s *Session) summaryFor(ctx context.Context, conversation models.Conversation) models.ConversationSummary {
	summary, err := s.chat.ConversationSummary(ctx, conversation.ID, s.viewerID)
	if err == nil {
		return *summary
	}
	s.log.Warn().Err(err).Int64("conversation_id", conversation.ID).Msg("load conversation summary")

	snapshot := s.ctrl.Snapshot()
	for _, existing := range snapshot.Conversations {
		if existing.ID == conversation.ID {
			return existing
		}
	}
	fallback := models.ConversationSummary{
		Conversation:          conversation,
		OtherParticipantLabel: fmt.Sprintf("User #%d", conversation.OtherParticipant(s.viewerID)),
	}
	if conversation.ProductID != nil {
		fallback.TopicLabel = fmt.Sprintf("Product #%d", *conversation.ProductID)
	}
	return fallback
}

func (s *Session) handleEvent(ctx context.Context, epoch uint64, evt changefeed.Event) {
	switch e := evt.(type) {
	case changefeed.MessageInserted:
		if e.Message.SenderID == s.viewerID {
			// Own messages enter the timeline through SendMessage.
			metrics.FeedEvents.WithLabelValues(string(e.Kind()), "own").Inc()
			return
		}
		if !s.ctrl.AddMessage(e.Message) {
			metrics.FeedEvents.WithLabelValues(string(e.Kind()), "ignored").Inc()
			return
		}
		metrics.FeedEvents.WithLabelValues(string(e.Kind()), "applied").Inc()
		if e.Message.IsRead {
			return
		}

		ids := []int64{e.Message.ID}
		if _, err := s.chat.MarkRead(ctx, e.Message.ConversationID, s.viewerID, ids); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Int64("message_id", e.Message.ID).Msg("mark live message read")
			s.ctrl.SetPendingRead(epoch, e.Message.ConversationID, ids)
			s.ctrl.SetErrorIfCurrent(epoch, err)
			return
		}
		if s.ctrl.MarkRead(e.Message.ConversationID, ids) > 0 {
			metrics.ReadReceipts.WithLabelValues("live").Inc()
		}

	case changefeed.MessageUpdated:
		outcome := "ignored"
		if s.ctrl.ApplyReadUpdate(e.ConversationID, e.MessageID, e.IsRead) {
			outcome = "applied"
		}
		metrics.FeedEvents.WithLabelValues(string(e.Kind()), outcome).Inc()
	}
}

func (s *Session) resync(ctx context.Context, epoch uint64, conversationID int64) {
	if _, err := s.refresh(ctx, epoch, conversationID, "resync"); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Int64("conversation_id", conversationID).Msg("resync after resubscribe failed")
	}
}

// rearmLive gives a live channel that ran out of retries another round. The
// user acting again is the signal that the session is still wanted.
func (s *Session) rearmLive() {
	if s.live.Rearm() {
		s.log.Info().Msg("rearming live channel")
	}
}

func (s *Session) channelRestored(epoch uint64) {
	s.ctrl.SetChannelError(epoch, nil)
}

func (s *Session) channelFailed(epoch uint64, _ int64, err error) {
	if !errors.Is(err, ErrChannelUnavailable) {
		err = fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	s.ctrl.SetChannelError(epoch, err)
}
