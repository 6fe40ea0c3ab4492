package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"stevedore/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// Message is a viewer-count update pushed to clients. When a client watches
// specific videos, Counts is filtered to those ids.
type Message struct {
	Type      string           `json:"type"`
	Counts    map[string]int64 `json:"counts"`
	Timestamp time.Time        `json:"timestamp"`
}

// watchRequest lets a client narrow its updates to specific video ids. An
// empty list means all videos.
type watchRequest struct {
	Action   string   `json:"action"` // "watch" or "unwatch"
	VideoIDs []string `json:"videoIds"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of connected clients and pushes viewer-count updates
// to them on a fixed interval.
type Hub struct {
	fetcher    *Fetcher
	interval   time.Duration
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     logging.Logger
	mutex      sync.RWMutex

	onClientCount func(n int)
}

// Client is one websocket subscriber.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	mu       sync.Mutex
	watching map[string]bool // empty means all videos
	logger   logging.Logger
}

// NewHub creates a hub that polls viewer counts every interval.
func NewHub(fetcher *Fetcher, interval time.Duration, logger logging.Logger) *Hub {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Hub{
		fetcher:    fetcher,
		interval:   interval,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// SetClientCountHook installs a metrics callback invoked when the connected
// client count changes.
func (h *Hub) SetClientCountHook(hook func(n int)) {
	h.onClientCount = hook
}

// Run drives registration and the poll loop until ctx is cancelled. Polling
// pauses while no clients are connected so an idle relay costs the origin
// nothing.
func (h *Hub) Run(ctx context.Context) {
	// Closing done unblocks ServeWS and readPump senders once the loop is
	// gone, so shutdown never strands their goroutines.
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.notifyClientCount(n)
			h.logger.WithField("client_count", n).Info("Realtime client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.notifyClientCount(n)
			h.logger.WithField("client_count", n).Info("Realtime client disconnected")

		case <-ticker.C:
			if h.ClientCount() == 0 {
				continue
			}
			counts := h.fetcher.FetchCounts(ctx)
			h.broadcastCounts(counts)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// broadcastCounts fans a counts snapshot out to every client, filtered to
// each client's watch list. Slow clients are dropped rather than letting
// their backpressure stall the loop.
func (h *Hub) broadcastCounts(counts map[string]int64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		payload, err := json.Marshal(Message{
			Type:      "viewer_counts",
			Counts:    client.filterCounts(counts),
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			h.logger.WithError(err).Error("Failed to marshal viewer counts")
			return
		}

		select {
		case client.send <- payload:
		default:
			close(client.send)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
}

func (h *Hub) notifyClientCount(n int) {
	if h.onClientCount != nil {
		h.onClientCount(n)
	}
}

// ServeWS upgrades an HTTP request and attaches the client to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade websocket connection")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		watching: make(map[string]bool),
		logger:   h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) filterCounts(counts map[string]int64) map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.watching) == 0 {
		return counts
	}
	filtered := make(map[string]int64, len(c.watching))
	for id := range c.watching {
		if n, ok := counts[id]; ok {
			filtered[id] = n
		}
	}
	return filtered
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Error("Websocket connection error")
			}
			break
		}

		var req watchRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.WithError(err).Warn("Invalid watch request")
			continue
		}
		c.handleWatch(&req)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

func (c *Client) handleWatch(req *watchRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Action {
	case "watch":
		for _, id := range req.VideoIDs {
			c.watching[id] = true
		}
	case "unwatch":
		for _, id := range req.VideoIDs {
			delete(c.watching, id)
		}
	}
}
