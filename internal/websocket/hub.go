package chatws

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ecovira/marketchat/internal/metrics"
)

// Hub tracks the connected clients of every user so the server can report
// them and close them all on shutdown.
type Hub struct {
	clients    map[int64]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	counts     chan countRequest
	done       chan struct{}
	log        zerolog.Logger
}

type countRequest struct {
	userID int64
	reply  chan int
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[int64]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		counts:     make(chan countRequest),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "chat-hub").Logger(),
	}
}

// Run serves registrations until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			metrics.ActiveSessions.Inc()
			h.log.Debug().Int64("user_id", client.userID).Str("client_id", client.ID).Msg("client registered")
		case client := <-h.unregister:
			h.remove(client)
		case req := <-h.counts:
			req.reply <- len(h.clients[req.userID])
		case <-ctx.Done():
			for _, set := range h.clients {
				for client := range set {
					_ = client.conn.Close()
					h.remove(client)
				}
			}
			h.log.Info().Msg("chat hub stopped")
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	set, ok := h.clients[client.userID]
	if !ok {
		return
	}
	if _, exists := set[client]; exists {
		delete(set, client)
		metrics.ActiveSessions.Dec()
	}
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
}

func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister is a no-op once the hub has stopped, since shutdown already
// removed every client.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Count returns how many connections userID has open.
func (h *Hub) Count(userID int64) int {
	req := countRequest{userID: userID, reply: make(chan int, 1)}
	select {
	case h.counts <- req:
		return <-req.reply
	case <-h.done:
		return 0
	}
}
