package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSMessage is the envelope for every frame pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// JobStatusUpdate is pushed when a job changes state
type JobStatusUpdate struct {
	JobID        string    `json:"job_id"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// JobProgressUpdate is the periodic counter snapshot from a running engine
type JobProgressUpdate struct {
	JobID        string    `json:"job_id"`
	State        string    `json:"state"`
	PagesFetched int       `json:"pages_fetched"`
	PagesPassed  int       `json:"pages_passed"`
	PagesFailed  int       `json:"pages_failed"`
	DupCount     int       `json:"dup_count"`
	ErrorCount   int       `json:"error_count"`
	Timestamp    time.Time `json:"timestamp"`
}

// JobLogUpdate mirrors a crawl log entry
type JobLogUpdate struct {
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketHandler pushes job lifecycle updates to connected clients.
// The socket is push-only; frames from clients are read and discarded.
type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	serverInstanceID string
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away.
// GET /ws
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().Int("clients", count).Msg("WebSocket client connected")

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		count := len(h.clients)
		h.mu.Unlock()
		conn.Close()
		h.logger.Info().Int("clients", count).Msg("WebSocket client disconnected")
	}()

	// The instance ID lets clients detect server restarts and resync.
	h.sendTo(conn, WSMessage{
		Type: "connected",
		Payload: map[string]interface{}{
			"server_instance_id": h.serverInstanceID,
		},
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			break
		}
	}
}

// BroadcastJobUpdate pushes a state transition to all clients
func (h *WebSocketHandler) BroadcastJobUpdate(update JobStatusUpdate) {
	h.broadcast("job_updated", update)
}

// BroadcastJobProgress pushes a counter snapshot to all clients
func (h *WebSocketHandler) BroadcastJobProgress(update JobProgressUpdate) {
	h.broadcast("job_progress", update)
}

// BroadcastJobLog pushes a crawl log entry to all clients
func (h *WebSocketHandler) BroadcastJobLog(update JobLogUpdate) {
	h.broadcast("job_log", update)
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Warn().Err(err).Str("type", msgType).Msg("Failed to marshal broadcast")
		return
	}

	// Snapshot under the read lock, write outside it. Each connection has
	// its own write mutex so broadcasts never interleave frames.
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range conns {
		mutexes[i].Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutexes[i].Unlock()
		if err != nil {
			h.logger.Warn().Err(err).Str("type", msgType).Msg("WebSocket write failed")
		}
	}
}

func (h *WebSocketHandler) sendTo(conn *websocket.Conn, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	mu := h.clientMutex[conn]
	h.mu.RUnlock()
	if mu == nil {
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket write failed")
	}
}
