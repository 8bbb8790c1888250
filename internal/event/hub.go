package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams events to connected WebSocket clients. A client sees only
// the events that concern its account.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]bool

	// OnDrop is called when a slow client misses an event.
	OnDrop func()
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]bool),
	}
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	accountID string
	send      chan []byte
}

// ServeWS upgrades the request and registers a client for accountID. It
// returns once the client's pumps are running.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, accountID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{
		hub:       h,
		conn:      conn,
		accountID: accountID,
		send:      make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("ws client connected", "account_id", accountID, "clients", count)

	go c.writePump()
	go c.readPump()
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish implements Publisher. Delivery never blocks: a client whose
// buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, events []Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return nil
	}
	for _, e := range events {
		var payload []byte
		for c := range h.clients {
			if !e.Concerns(c.accountID) {
				continue
			}
			if payload == nil {
				var err error
				if payload, err = json.Marshal(e); err != nil {
					return err
				}
			}
			select {
			case c.send <- payload:
			default:
				if h.OnDrop != nil {
					h.OnDrop()
				}
				h.logger.Warn("ws client buffer full, dropping event",
					"account_id", c.accountID,
					"event_id", e.ID,
				)
			}
		}
	}
	return nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump only keeps the connection alive; clients send nothing but
// control frames.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.logger.Info("ws client disconnected", "account_id", c.accountID)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
