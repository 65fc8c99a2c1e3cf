package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/metrics"
)

const writeWait = 10 * time.Second

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans decisions out to websocket clients. Slow clients whose queue
// fills up are disconnected rather than blocking the decision path.
type Hub struct {
	mu       sync.Mutex
	clients  map[*client]struct{}
	closed   bool
	queue    int
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHub creates a hub. origins lists the allowed browser origins; "*"
// allows any.
func NewHub(queue int, origins []string, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if queue <= 0 {
		queue = 64
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		queue:   queue,
		logger:  logger,
		metrics: m,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     allowOrigins(origins),
	}
	return h
}

func allowOrigins(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast sends v as JSON to every client.
func (h *Hub) Broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping slow live feed client", zap.String("remote", c.conn.RemoteAddr().String()))
			h.removeLocked(c)
		}
	}
}

// ServeHTTP upgrades the request and streams decisions until the client leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.queue)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected()
	}

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("websocket write error", zap.Error(err))
			h.mu.Lock()
			h.removeLocked(c)
			h.mu.Unlock()
			// drain so removeLocked's close ends the loop
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// removeLocked unregisters c and closes its queue exactly once.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if h.metrics != nil {
		h.metrics.ClientDisconnected()
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}
