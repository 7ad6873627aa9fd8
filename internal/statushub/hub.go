// Package statushub serves sync status over HTTP and pushes sync events to
// WebSocket clients.
package statushub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/statsync/internal/logging"
	syncpkg "github.com/kimhsiao/statsync/internal/sync"
	"github.com/kimhsiao/statsync/internal/uuid"
)

const (
	sendBuffer     = 64
	broadcastQueue = 256
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
)

// Envelope wraps every message pushed to clients.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// message is a broadcast in flight.
type message struct {
	eventType string
	payload   []byte
}

// client is one WebSocket connection.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte // Owned and closed by the hub
	direct chan []byte // Replies to this client's own requests; never closed
	hub    *Hub

	mu            sync.RWMutex
	subscriptions map[string]bool // Empty means every event
}

func (c *client) wants(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions) == 0 || c.subscriptions[eventType]
}

// Hub maintains active client connections and broadcasts sync events.
type Hub struct {
	clients    map[string]*client
	broadcast  chan message
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
	logger     *logging.Logger

	mu    sync.RWMutex
	count int
}

// NewHub creates a hub and starts its event loop.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &Hub{
		clients:    make(map[string]*client),
		broadcast:  make(chan message, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     logger.With("statushub"),
	}
	go h.run()
	return h
}

// run owns the client map; all membership changes go through it.
func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.setCount(0)
			return

		case c := <-h.register:
			h.clients[c.id] = c
			h.setCount(len(h.clients))
			h.logger.Debug("Client connected", map[string]interface{}{"client": c.id, "total": len(h.clients)})

		case c := <-h.unregister:
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.setCount(len(h.clients))
			h.logger.Debug("Client disconnected", map[string]interface{}{"client": c.id, "total": len(h.clients)})

		case msg := <-h.broadcast:
			for id, c := range h.clients {
				if !c.wants(msg.eventType) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow consumer; drop it rather than stall every client.
					close(c.send)
					delete(h.clients, id)
					h.logger.Warn("Dropping slow client", map[string]interface{}{"client": id})
				}
			}
			h.setCount(len(h.clients))
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Close disconnects every client and stops the event loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Broadcast queues a message for every subscribed client. It never blocks:
// when the queue is full the message is dropped.
func (h *Hub) Broadcast(eventType string, data map[string]interface{}) {
	payload, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Error("Failed to marshal event", err, map[string]interface{}{"type": eventType})
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- message{eventType: eventType, payload: payload}:
	default:
		h.logger.Warn("Broadcast queue full, event dropped", map[string]interface{}{"type": eventType})
	}
}

// OnSyncEvent implements sync.SyncEventHandler.
func (h *Hub) OnSyncEvent(event syncpkg.SyncEvent) {
	h.Broadcast(string(event.Type), event.Data)
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, sendBuffer),
			direct:        make(chan []byte, 8),
			hub:           h,
			subscriptions: make(map[string]bool),
		}
		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

// readPump handles subscribe, unsubscribe and ping requests until the
// connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Read error", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var req struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		switch req.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": req.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range req.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// reply queues a response to the client's own request, best effort.
func (c *client) reply(body map[string]interface{}) {
	body["timestamp"] = time.Now().Unix()
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	select {
	case c.direct <- payload:
	default:
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case payload := <-c.direct:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
