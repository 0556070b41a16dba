// Package events implements the pool event bus: a WebSocket fan-out of
// lifecycle notifications (exit, maint, autoscale, recycle, restart) so
// operators can watch a pool live instead of polling the admin surface.
package events

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sadewadee/wpsuper/internal/pool"
)

// Client represents a single WebSocket connection subscribed to one or more
// pool "rooms".
type Client struct {
	ID         string
	Conn       *websocket.Conn
	RemoteAddr string
	Rooms      map[string]bool
	mu         sync.Mutex
}

// Send writes a JSON message to this client.
func (c *Client) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans pool.Event values out to every WebSocket client subscribed to
// the originating pool's room. A client with no room filter (subscribed to
// the empty room) receives every pool's events.
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewHub creates a new pool event hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		logger:  logger,
	}
}

// wireEvent is the JSON shape pushed to subscribers; it mirrors pool.Event
// with a timestamp added at the edge, since pool.Event itself carries none.
type wireEvent struct {
	Pool string `json:"pool"`
	Kind string `json:"kind"`
	PID  int    `json:"pid,omitempty"`
	Data string `json:"data,omitempty"`
	At   string `json:"at"`
}

// Publish is the onEvent callback handed to manager.New; it serializes the
// event once and broadcasts it to the event's pool room plus every
// wildcard subscriber.
func (h *Hub) Publish(e pool.Event) {
	payload, err := json.Marshal(wireEvent{
		Pool: e.Pool,
		Kind: e.Kind,
		PID:  e.PID,
		Data: string(e.Data),
		At:   timeNow(),
	})
	if err != nil {
		h.logger.Error("marshaling pool event", "error", err)
		return
	}
	h.BroadcastToRoom(e.Pool, payload, "")
	h.BroadcastToRoom("", payload, "")
}

func timeNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AddConnection registers a new WebSocket connection and subscribes it to
// room (empty string subscribes to every pool).
func (h *Hub) AddConnection(conn *websocket.Conn, remoteAddr, room string) *Client {
	client := &Client{
		ID:         generateConnID(),
		Conn:       conn,
		RemoteAddr: remoteAddr,
		Rooms:      make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[string]*Client)
	}
	h.rooms[room][client.ID] = client
	client.Rooms[room] = true
	h.mu.Unlock()

	return client
}

// RemoveConnection unregisters a connection and drops it from every room.
func (h *Hub) RemoveConnection(id string) {
	h.mu.Lock()
	client, exists := h.clients[id]
	if !exists {
		h.mu.Unlock()
		return
	}
	for room := range client.Rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	delete(h.clients, id)
	h.mu.Unlock()
}

// BroadcastToRoom sends data to every client subscribed to room.
func (h *Hub) BroadcastToRoom(room string, data []byte, excludeID string) {
	h.mu.RLock()
	members, exists := h.rooms[room]
	if !exists {
		h.mu.RUnlock()
		return
	}
	clients := make([]*Client, 0, len(members))
	for _, c := range members {
		if c.ID != excludeID {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.Send(data); err != nil {
			h.logger.Warn("broadcast send failed", "conn_id", c.ID, "room", room, "error", err)
		}
	}
}

// Stats returns current hub statistics.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		TotalConnections: len(h.clients),
		TotalRooms:       len(h.rooms),
	}
}

// HubStats holds event hub metrics.
type HubStats struct {
	TotalConnections int `json:"total_connections"`
	TotalRooms       int `json:"total_rooms"`
}

func generateConnID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
