// Package realtime streams engine events to operators over WebSocket.
//
// Clients connect to /ws and receive every event by default. Sending a JSON
// Subscription narrows the stream, for example to approval events for one
// engine so a review console can refresh its queue without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/engine"
	"github.com/mbd888/autonomy/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters the events a client receives. Empty filters match
// everything.
type Subscription struct {
	AllEvents  bool               `json:"allEvents"`
	EventTypes []engine.EventType `json:"eventTypes"`
	Engines    []string           `json:"engines"`
	Categories []string           `json:"categories"`
	Outcomes   []autonomy.Outcome `json:"outcomes"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub manages all WebSocket connections. It implements engine.Notifier.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *engine.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ engine.Notifier = (*Hub)(nil)

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *engine.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With("component", "realtime"),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends a close frame
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to serialize event", "eventId", event.ID, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
				h.logger.Warn("dropped slow websocket clients", "count", len(slow))
			}
		}
	}
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *engine.Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !contains(sub.EventTypes, event.Type) {
		return false
	}

	decision := event.Decision
	if decision == nil && event.Item != nil {
		decision = event.Item.Decision
	}
	if decision == nil || decision.Action == nil {
		// Nothing to filter on.
		return len(sub.Engines) == 0 && len(sub.Categories) == 0 && len(sub.Outcomes) == 0
	}
	if len(sub.Engines) > 0 && !contains(sub.Engines, decision.Action.Engine) {
		return false
	}
	if len(sub.Categories) > 0 && !contains(sub.Categories, decision.Action.Category) {
		return false
	}
	if len(sub.Outcomes) > 0 && !contains(sub.Outcomes, decision.Outcome) {
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Notify queues event for broadcast. It never blocks; when the broadcast
// buffer is full the event is dropped and counted.
func (h *Hub) Notify(ctx context.Context, event engine.Event) error {
	h.Broadcast(&event)
	return nil
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *engine.Event) {
	select {
	case h.broadcast <- event:
	default:
		metrics.NotificationsDroppedTotal.WithLabelValues("websocket").Inc()
		h.logger.Warn("broadcast channel full, dropping event", "event", event.Type, "eventId", event.ID)
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
