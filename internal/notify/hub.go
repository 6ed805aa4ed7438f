// Package notify pushes refresh events to a user's open websocket connections.
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kharcha/internal/log"
)

// Event types.
const (
	ViewUpdated    = "view:updated"
	RatesRefreshed = "rates:refreshed"
	EntryCreated   = "entry:created"
)

const (
	sendBuffer   = 16
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

type Event struct {
	Type string    `json:"type"`
	Key  string    `json:"key,omitempty"`
	At   time.Time `json:"at"`
}

func NewEvent(typ, key string) Event {
	return Event{Type: typ, Key: key, At: time.Now().UTC()}
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub tracks websocket clients per user. Broadcasts never block: a client
// whose buffer is full misses the event and reloads on the next one.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *log.Logger
}

type HubOption func(*Hub)

// WithCheckOrigin decides which browser origins may open a socket. Without
// it only same-origin upgrades are accepted.
func WithCheckOrigin(check func(*http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = check }
}

func NewHub(logger *log.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = log.Discard()
	}
	h := &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger.WithComponent(log.ComponentNotify),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish sends ev to every connection of userID.
func (h *Hub) Publish(userID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", log.FieldError, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("Dropping event for slow client", log.FieldUserID, userID, "type", ev.Type)
		}
	}
}

// Broadcast sends ev to every connected user.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	users := make([]string, 0, len(h.clients))
	for u := range h.clients {
		users = append(users, u)
	}
	h.mu.RUnlock()
	for _, u := range users {
		h.Publish(u, ev)
	}
}

// Connections returns the number of open connections of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and keeps the connection registered until the
// peer goes away. userID must already be authenticated by the caller.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", log.FieldError, err)
		return
	}

	c := &client{userID: userID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	n := len(set)
	h.mu.Unlock()
	h.logger.Info("WebSocket client connected", log.FieldUserID, c.userID, "connections", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.clients, c.userID)
		}
	}
	h.mu.Unlock()
	h.logger.Info("WebSocket client disconnected", log.FieldUserID, c.userID)
}

// readPump discards inbound frames; it exists to notice closes and pongs.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
