package ws

import (
	"context"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Hub tracks live connections so they can be counted and shut down
// together. Realtime fan-out itself happens in each client's session.
type Hub struct {
	clients map[*Client]struct{}
	perUser map[string]int

	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}

	log zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		perUser:    make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		count:      make(chan chan int),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the Hub's main event loop. Call this in a goroutine. When ctx
// is done every open connection is closed with StatusGoingAway.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.perUser[client.userID]++
			h.log.Debug().
				Str("user_id", client.userID).
				Int("total", len(h.clients)).
				Msg("client connected")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if h.perUser[client.userID]--; h.perUser[client.userID] <= 0 {
					delete(h.perUser, client.userID)
				}
				close(client.send)
				h.log.Debug().
					Str("user_id", client.userID).
					Int("total", len(h.clients)).
					Msg("client disconnected")
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case <-ctx.Done():
			for client := range h.clients {
				client.conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			// Pumps still unregister on their way out.
			for len(h.clients) > 0 {
				client := <-h.unregister
				delete(h.clients, client)
				close(client.send)
			}
			return
		}
	}
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Connections reports how many clients are registered.
func (h *Hub) Connections() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}
