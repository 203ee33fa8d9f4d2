package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from other origins; auth is handled by middleware
		return true
	},
}

// Handler handles WebSocket connections for live alerts
type Handler struct {
	hub *AlertHub
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *AlertHub) *Handler {
	return &Handler{hub: hub}
}

// ServeHTTP handles WebSocket upgrade requests.
// GET /ws/alerts subscribes to every stream, ?stream=<id> to one.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := r.URL.Query().Get("stream")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.logger.Warnw("upgrade failed", "error", err)
		return
	}

	h.hub.logger.Infow("new connection", "stream", streamID, "remote", r.RemoteAddr)
	h.hub.Register(streamID, conn)

	go h.readPump(streamID, conn)
}

// readPump keeps the connection alive and detects disconnection
func (h *Handler) readPump(streamID string, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(streamID, conn)
		conn.Close()
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	done := make(chan struct{})
	defer func() {
		ticker.Stop()
		close(done)
	}()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := h.hub.ping(conn); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.hub.logger.Warnw("read error", "stream", streamID, "error", err)
			}
			return
		}
	}
}
