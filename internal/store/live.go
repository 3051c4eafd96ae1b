package store

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	liveWriteWait  = 5 * time.Second
	liveSendBuffer = 32
)

// Event type values pushed over /live/events.
const (
	LiveSessionOpen  = "session.open"
	LiveSessionClose = "session.close"
	LiveDetections   = "detections"
)

// LiveEvent is one message on the /live/events websocket.
type LiveEvent struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
	Data any    `json:"data"`
}

// Hub fans session lifecycle and detection events out to websocket
// subscribers. Slow or broken clients are dropped, never waited on.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

type liveClient struct {
	conn *websocket.Conn
	send chan LiveEvent
}

// NewHub creates an event hub with no clients.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The store is a LAN service; the UI connects cross-origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*liveClient]struct{}),
	}
}

// ServeHTTP upgrades the request and attaches the client to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &liveClient{conn: conn, send: make(chan LiveEvent, liveSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Info("live client connected", "clients", n)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// Broadcast queues an event for every connected client.
func (h *Hub) Broadcast(eventType string, data any) {
	ev := LiveEvent{Type: eventType, Ts: time.Now().UnixMilli(), Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Client is not draining; cut it loose.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the current subscriber count.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) writeLoop(c *liveClient) {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.drop(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// readLoop discards inbound frames so pings and close handshakes are
// processed, and tears the client down when the peer goes away.
func (h *Hub) readLoop(c *liveClient) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *liveClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
