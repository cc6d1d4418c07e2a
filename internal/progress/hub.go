// Package progress streams per-trigger execution results to WebSocket
// subscribers, so progress UIs can follow a run while it executes.
package progress

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"perp-backtest-lab/internal/domain"
)

// writeTimeout bounds one broadcast write per client.
const writeTimeout = 10 * time.Second

// Message is the envelope pushed to subscribers.
type Message struct {
	Type    string `json:"type"` // "trigger" | "result"
	RunID   string `json:"run_id,omitempty"`
	Payload any    `json:"payload"`
}

// Hub broadcasts run progress to connected WebSocket clients. Slow or dead
// clients are dropped on write failure; the run itself never blocks on them.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[progress] ", log.LstdFlags)
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Progress streams are same-operator tooling; origin checks are
			// the deployment proxy's concern.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the client until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Printf("client connected (%d total)", n)

	// Read pump: subscribers send nothing meaningful; reading drains
	// control frames and detects the close.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// PublishTrigger broadcasts one trigger execution result.
func (h *Hub) PublishTrigger(runID string, res *domain.TriggerExecutionResult) {
	h.broadcast(&Message{Type: "trigger", RunID: runID, Payload: res})
}

// PublishResult broadcasts the terminal result of a run.
func (h *Hub) PublishResult(res *domain.BacktestResult) {
	h.broadcast(&Message{Type: "result", RunID: res.RunID, Payload: res})
}

func (h *Hub) broadcast(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("marshal %s message: %v", msg.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
			time.Now().Add(writeTimeout))
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}
