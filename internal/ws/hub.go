package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crashwatch/internal/accident"
	"crashwatch/internal/alert"
)

// AlertHub manages WebSocket connections for live accident alerts
type AlertHub struct {
	// clients maps stream_id -> set of connections, "" receives every stream
	clients map[string]map[*websocket.Conn]bool
	mu      sync.RWMutex
	writeMu sync.Mutex

	logger *zap.SugaredLogger
}

// NewAlertHub creates a new alert hub
func NewAlertHub(logger *zap.SugaredLogger) *AlertHub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &AlertHub{
		clients: make(map[string]map[*websocket.Conn]bool),
		logger:  logger.Named("ws"),
	}
}

// Attach subscribes the hub to the alert bus and returns the unsubscribe func
func (h *AlertHub) Attach(bus *alert.EventBus) func() {
	return bus.Subscribe(alert.EventHandlerFunc(h.OnAlert))
}

// Register adds a connection for a stream, or for all streams when streamID is empty
func (h *AlertHub) Register(streamID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[streamID] == nil {
		h.clients[streamID] = make(map[*websocket.Conn]bool)
	}
	h.clients[streamID][conn] = true
	h.logger.Infow("client registered", "stream", streamID, "total", len(h.clients[streamID]))
}

// Unregister removes a connection
func (h *AlertHub) Unregister(streamID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[streamID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, streamID)
		}
		h.logger.Infow("client unregistered", "stream", streamID)
	}
}

// HasClients returns true if any client would receive messages for the stream
func (h *AlertHub) HasClients(streamID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[streamID]) > 0 || len(h.clients[""]) > 0
}

// ClientCount returns the total number of connected clients
func (h *AlertHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// OnAlert broadcasts a dispatched accident
func (h *AlertHub) OnAlert(ev *alert.Event) {
	if ev == nil || ev.Record == nil {
		return
	}
	h.broadcast(ev.Record.StreamID, NewAlertMessage(ev))
}

// ObserveEvaluation broadcasts the outcome of one evaluation
func (h *AlertHub) ObserveEvaluation(streamID string, out *accident.Outcome) {
	if !h.HasClients(streamID) {
		return
	}
	h.broadcast(streamID, NewScoreMessage(streamID, out))
}

func (h *AlertHub) broadcast(streamID string, msg interface{}) {
	if !h.HasClients(streamID) {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorw("failed to marshal message", "stream", streamID, "error", err)
		return
	}

	type target struct {
		key  string
		conn *websocket.Conn
	}
	var targets []target
	h.mu.RLock()
	for _, key := range []string{streamID, ""} {
		for conn := range h.clients[key] {
			targets = append(targets, target{key: key, conn: conn})
		}
	}
	h.mu.RUnlock()

	// gorilla connections support one concurrent writer
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	for _, t := range targets {
		t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warnw("failed to send to client", "stream", streamID, "error", err)
			h.Unregister(t.key, t.conn)
			t.conn.Close()
		}
	}
}

// ping writes a ping control frame under the hub's write lock
func (h *AlertHub) ping(conn *websocket.Conn) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.PingMessage, nil)
}
