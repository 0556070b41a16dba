package events

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections to WebSocket and subscribes them to the
// pool event hub, optionally filtered to a single pool via ?pool=name.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewHandler creates a new event stream handler bound to hub.
func NewHandler(hub *Hub, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	room := r.URL.Query().Get("pool")
	client := h.hub.AddConnection(conn, r.RemoteAddr, room)
	h.logger.Debug("event stream connected", "conn_id", client.ID, "pool", room)

	go h.readPump(client)
}

// readPump drains and discards client frames; this stream is server-push
// only, but a read loop is required to detect disconnects and respond to
// control frames (ping/pong/close).
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.RemoveConnection(client.ID)
		client.Conn.Close()
		h.logger.Debug("event stream disconnected", "conn_id", client.ID)
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("event stream read error", "conn_id", client.ID, "error", err)
			}
			break
		}
	}
}
