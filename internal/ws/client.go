package ws

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/codepair/internal/protocol"
	"github.com/manpreetbhatti/codepair/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

// Client is one websocket connection. It implements relay.Peer.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	rateLimiter *ratelimit.Limiter
	clientID    string
}

func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		rateLimiter: ratelimit.NewLimiter(hub.config.MessagesPerSecond, hub.config.MessageBurst),
		clientID:    uuid.NewString(),
	}

	select {
	case hub.register <- client:
	case <-hub.stopped:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) ID() string {
	return c.clientID
}

// Send queues an event without blocking. A client whose queue is full is
// closed, matching the hub's drop-slow-consumer policy.
func (c *Client) Send(ev protocol.Outbound) bool {
	data, err := ev.Encode()
	if err != nil {
		log.Printf("Failed to encode %s for client %s: %v", ev.Type, c.clientID, err)
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		c.close()
		return false
	}
}

// close stops the write pump, which closes the connection
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := context.Background()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		in, err := protocol.Decode(message)
		if err != nil {
			log.Printf("⚠️ Invalid message from client %s: %v", c.clientID, err)
			continue
		}

		if !c.admit(in.Type) {
			continue
		}

		// closed clients have already been removed from their rooms
		select {
		case <-c.done:
			return
		default:
		}

		c.hub.relay.Dispatch(ctx, c, in)
	}
}

// admit applies the rate limit. Document edits are exempt: dropping one
// would leave the room on older text than the sender shows.
func (c *Client) admit(kind protocol.Kind) bool {
	if kind == protocol.KindCodeChange {
		return true
	}
	if c.rateLimiter.Allow() {
		return true
	}
	rejected := c.rateLimiter.Rejected()
	if rejected%100 == 1 {
		log.Printf("⚠️ Rate limit exceeded for client %s (warning #%d)", c.clientID, rejected)
	}
	return false
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
