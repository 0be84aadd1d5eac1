package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/models"
	"github.com/ecovira/marketchat/internal/services"
	"github.com/ecovira/marketchat/internal/session"
)

const sendBuffer = 64

const (
	CommandStartConversation     = "start_conversation"
	CommandLoadConversations     = "load_conversations"
	CommandLoadMessages          = "load_messages"
	CommandSendMessage           = "send_message"
	CommandSetActiveConversation = "set_active_conversation"
	CommandRetryPendingReads     = "retry_pending_reads"
)

const (
	FrameState  = "state"
	FrameResult = "result"
	FrameError  = "error"
)

var validate = validator.New()

// Conn is the part of a websocket connection the client uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Request is a command frame sent by the browser.
type Request struct {
	Type           string `json:"type" validate:"required,oneof=start_conversation load_conversations load_messages send_message set_active_conversation retry_pending_reads"`
	RequestID      string `json:"request_id,omitempty" validate:"max=64"`
	BuyerID        int64  `json:"buyer_id,omitempty" validate:"required_if=Type start_conversation"`
	SellerID       int64  `json:"seller_id,omitempty" validate:"required_if=Type start_conversation"`
	ProductID      *int64 `json:"product_id,omitempty"`
	ConversationID *int64 `json:"conversation_id,omitempty" validate:"required_if=Type load_messages"`
	Body           string `json:"body,omitempty"`
}

// StateView is State as it goes over the wire.
type StateView struct {
	session.State
	Error        string `json:"error,omitempty"`
	ChannelError string `json:"channel_error,omitempty"`
}

// Frame is every message the server sends. Draft echoes the body of a send
// that failed so the composer can keep it.
type Frame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id,omitempty"`
	Command   string     `json:"command,omitempty"`
	Data      any        `json:"data,omitempty"`
	State     *StateView `json:"state,omitempty"`
	Code      string     `json:"code,omitempty"`
	Error     string     `json:"error,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
	Draft     string     `json:"draft,omitempty"`
	Timestamp string     `json:"timestamp"`
}

// Client pumps frames between one websocket connection and one session.
type Client struct {
	ID      string
	hub     *Hub
	conn    Conn
	userID  int64
	session *session.Session
	send    chan []byte
	log     zerolog.Logger

	inflight  sync.WaitGroup
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn Conn, sess *session.Session, log zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:      id,
		hub:     hub,
		conn:    conn,
		userID:  sess.ViewerID(),
		session: sess,
		send:    make(chan []byte, sendBuffer),
		log: log.With().
			Str("component", "chat-client").
			Str("client_id", id).
			Int64("user_id", sess.ViewerID()).
			Logger(),
	}
}

// Serve runs the client until the connection closes. Commands run
// concurrently; each gets a result or error frame, and every state change is
// pushed as a state frame.
func (c *Client) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !c.hub.Register(c) {
		c.session.Close()
		_ = c.conn.Close()
		return
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.WritePump()
	}()

	updates, stopWatch := c.session.Watch()
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.statePump(ctx, updates)
	}()
	c.pushState(c.session.Snapshot())

	c.ReadPump(ctx)

	cancel()
	stopWatch()
	c.inflight.Wait()
	c.session.Close()
	c.hub.Unregister(c)
	close(c.send)
	<-writeDone
	c.closeConn()
	c.log.Debug().Msg("client disconnected")
}

func (c *Client) ReadPump(ctx context.Context) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			c.enqueue(Frame{Type: FrameError, Code: "invalid_payload", Error: "invalid message payload"})
			continue
		}
		if err := validate.Struct(req); err != nil {
			c.enqueue(Frame{
				Type:      FrameError,
				RequestID: req.RequestID,
				Command:   req.Type,
				Code:      CodeValidationFailed,
				Error:     err.Error(),
			})
			continue
		}

		c.inflight.Add(1)
		go func() {
			defer c.inflight.Done()
			c.execute(ctx, req)
		}()
	}
}

func (c *Client) WritePump() {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.log.Debug().Err(err).Msg("write failed")
			c.closeConn()
			// Keep draining so producers never block on a dead connection.
			for range c.send {
			}
			return
		}
	}
}

func (c *Client) statePump(ctx context.Context, updates <-chan session.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			c.pushState(state)
		}
	}
}

func (c *Client) pushState(state session.State) {
	c.enqueue(Frame{Type: FrameState, State: &StateView{
		State:        state,
		Error:        state.ErrorText(),
		ChannelError: state.ChannelErrorText(),
	}})
}

func (c *Client) execute(ctx context.Context, req Request) {
	var (
		data any
		err  error
	)
	switch req.Type {
	case CommandStartConversation:
		var id int64
		id, err = c.session.StartConversation(ctx, req.BuyerID, req.SellerID, req.ProductID)
		data = map[string]int64{"conversation_id": id}
	case CommandLoadConversations:
		var conversations []models.ConversationSummary
		conversations, err = c.session.LoadConversations(ctx, c.userID)
		data = map[string]any{"conversations": conversations}
	case CommandLoadMessages:
		var messages []models.Message
		messages, err = c.session.LoadMessages(ctx, *req.ConversationID, c.userID)
		data = map[string]any{"messages": messages}
	case CommandSendMessage:
		var message *models.Message
		message, err = c.session.SendMessage(ctx, req.Body)
		data = map[string]any{"message": message}
	case CommandSetActiveConversation:
		err = c.session.SetActiveConversation(ctx, req.ConversationID)
		data = map[string]any{"active_conversation_id": req.ConversationID}
	case CommandRetryPendingReads:
		err = c.session.RetryPendingReads(ctx)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		frame := Frame{
			Type:      FrameError,
			RequestID: req.RequestID,
			Command:   req.Type,
			Code:      ErrorCode(err),
			Error:     err.Error(),
			Retryable: services.IsRetryable(err),
		}
		if req.Type == CommandSendMessage {
			frame.Draft = req.Body
		}
		c.enqueue(frame)
		return
	}
	c.enqueue(Frame{Type: FrameResult, RequestID: req.RequestID, Command: req.Type, Data: data})
}

// enqueue never blocks. A client that cannot keep up is disconnected.
func (c *Client) enqueue(frame Frame) {
	frame.Timestamp = services.FormatChatTimestamp(time.Now())
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error().Err(err).Str("frame", frame.Type).Msg("encode frame")
		return
	}
	select {
	case c.send <- payload:
	default:
		c.log.Warn().Msg("send queue full, closing connection")
		c.closeConn()
	}
}

func (c *Client) closeConn() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
