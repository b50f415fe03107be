package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codepair/internal/relay"
)

type Config struct {
	MessagesPerSecond float64
	MessageBurst      int
	// Empty allows every origin
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// Hub tracks live connections and hands their events to the relay
type Hub struct {
	relay  *relay.Relay
	config Config

	// Connected clients
	clients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	stopped chan struct{}

	upgrader websocket.Upgrader
	mu       sync.RWMutex
}

func NewHub(r *relay.Relay, config Config) *Hub {
	defaults := DefaultConfig()
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = defaults.MessagesPerSecond
	}
	if config.MessageBurst <= 0 {
		config.MessageBurst = defaults.MessageBurst
	}

	h := &Hub{
		relay:      r,
		config:     config,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			clientCount := len(h.clients)
			h.mu.Unlock()

			h.relay.Connect(client)
			log.Printf("Clients connected: %d", clientCount)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			delete(h.clients, client)
			h.mu.Unlock()

			if ok {
				h.relay.Disconnect(client)
				client.close()
			}

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.relay.Disconnect(client)
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// unregisterClient runs when a read pump exits. After Run has returned the
// read pump may have dispatched a join past the shutdown sweep, so membership
// is cleared here as well.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
		h.relay.Disconnect(c)
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms returns member counts of occupied rooms
func (h *Hub) GetActiveRooms() map[string]int {
	return h.relay.Members().Counts()
}

func (h *Hub) GetRoomCount() int {
	return h.relay.Members().RoomCount()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	log.Printf("🚫 Rejected websocket origin %q", origin)
	return false
}
