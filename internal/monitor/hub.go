// Package monitor is an optional, read-only telemetry hub: the same
// Client{conn, send}/writePump shape as the teacher's WebSocket RF-frame
// broadcaster, repointed at scheduler/pool/session snapshots instead of
// capture samples. It never accepts input from a dashboard beyond the
// initial upgrade and never gates anything the core does — a slow or
// absent dashboard client cannot affect a capture session.
//
// This is an additional, optional TCP listener in the spirit of the wire
// protocol's own optional TCP listener (spec.md §4.2), but it speaks JSON
// over WebSocket to a browser rather than the binary client protocol, so it
// is wired up as its own endpoint rather than sharing a port with §4.2.
package monitor

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientSnapshot describes one connected session for display purposes.
type ClientSnapshot struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Pid        uint32 `json:"pid"`
	State      string `json:"state"`
	Services   uint32 `json:"services"`
	TokenState string `json:"token_state"`
	Priority   string `json:"priority"`
}

// PoolSnapshot mirrors pool.Pool.Stats.
type PoolSnapshot struct {
	Free   int `json:"free"`
	Queued int `json:"queued"`
	Target int `json:"target"`
}

// DeviceSnapshot is one device's telemetry at a point in time.
type DeviceSnapshot struct {
	Path      string           `json:"path"`
	DeviceFPS float64          `json:"device_fps"`
	Pool      PoolSnapshot     `json:"pool"`
	Clients   []ClientSnapshot `json:"clients"`
	Timestamp time.Time        `json:"timestamp"`
}

// Client is one connected dashboard's WebSocket connection and outbound
// queue, in the teacher's server.go shape.
type Client struct {
	conn *websocket.Conn
	send chan any
}

// writePump pumps messages from the hub to the websocket connection.
// Mirrors the teacher's Client.writePump: one goroutine per client, dropped
// on any write error.
func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Hub accepts WebSocket dashboards and fans out snapshots broadcast via
// Publish. It holds no daemon state of its own.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	upgrader websocket.Upgrader
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 65536,
		},
	}
}

// Handler upgrades a dashboard connection and registers it for broadcasts.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("vbiproxyd: monitor: upgrade: %v", err)
		return
	}
	c := &Client{conn: conn, send: make(chan any, 16)}

	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go func() {
		c.writePump()
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// The dashboard never sends anything meaningful; drain and discard so
	// the read side notices a closed socket and the client map gets pruned.
	go func() {
		defer func() {
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish broadcasts v (typically a []DeviceSnapshot) to every connected
// dashboard, dropping it for any client whose outbox is full rather than
// blocking the caller — the same backpressure policy the teacher's hub
// applies to RF frames.
func (h *Hub) Publish(v any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- v:
		default:
		}
	}
}

// ClientCount reports the number of connected dashboards.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
