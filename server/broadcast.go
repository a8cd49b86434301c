package server

// Execution events fan out from the engine to websocket clients. Sends are
// non-blocking: a client whose queue is full misses the event.

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/postpulse/errors"
	"github.com/teranos/postpulse/internal/metrics"
	"github.com/teranos/postpulse/logger"
	"github.com/teranos/postpulse/pulse/schedule"
)

// Event types carried in ExecutionEventMessage.Type
const (
	EventExecutionStarted  = "execution_started"
	EventExecutionFinished = "execution_finished"
)

// Hub tracks websocket clients and implements schedule.ExecutionBroadcaster
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	now     func() time.Time
	logger  *zap.SugaredLogger
}

var _ schedule.ExecutionBroadcaster = (*Hub)(nil)

// NewHub creates an empty hub
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = logger.Logger
	}
	return &Hub{
		clients: make(map[*Client]bool),
		now:     time.Now,
		logger:  log,
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) >= MaxClients {
		return errors.WithHint(
			errors.NewConflictError("too many websocket clients (max %d)", MaxClients),
			"close idle event streams and retry")
	}
	h.clients[c] = true
	metrics.WebsocketClients.Set(float64(len(h.clients)))
	h.logger.Debugw("WebSocket client connected", "client_id", c.id, "clients", len(h.clients))
	return nil
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[c] {
		return
	}
	delete(h.clients, c)
	c.close()
	metrics.WebsocketClients.Set(float64(len(h.clients)))
	h.logger.Debugw("WebSocket client disconnected", "client_id", c.id, "clients", len(h.clients))
}

// CloseAll disconnects every client
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	metrics.WebsocketClients.Set(0)
}

// broadcastMessage sends a message to all connected clients.
// Returns the number of clients that accepted the message (channel not full).
// The read lock is held across the sends so unregister cannot close a
// channel mid-send.
func (h *Hub) broadcastMessage(msg interface{}) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients {
		select {
		case c.sendMsg <- msg:
			sent++
		default:
			h.logger.Debugw("Client queue full, dropping event", "client_id", c.id)
		}
	}
	return sent
}

// BroadcastExecutionStarted notifies clients that a job attempt began
func (h *Hub) BroadcastExecutionStarted(job *schedule.Job, executionID string) {
	h.broadcastMessage(ExecutionEventMessage{
		Type:        EventExecutionStarted,
		JobID:       job.ID,
		PostID:      job.PostID,
		ExecutionID: executionID,
		Timestamp:   h.now().Unix(),
	})
}

// BroadcastExecutionFinished notifies clients of an attempt's outcome
func (h *Hub) BroadcastExecutionFinished(job *schedule.Job, entry *schedule.ExecutionLogEntry) {
	h.broadcastMessage(ExecutionEventMessage{
		Type:         EventExecutionFinished,
		JobID:        job.ID,
		PostID:       job.PostID,
		ExecutionID:  entry.ID,
		Status:       string(entry.Status),
		DurationMs:   entry.DurationMs,
		ErrorMessage: entry.ErrorMessage,
		Timestamp:    h.now().Unix(),
	})
}

// ServeWS upgrades the request and streams execution events to it
func (h *Hub) ServeWS(allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			h.logger.Warnw("WebSocket upgrade failed", "error", err.Error(), "origin", r.Header.Get("Origin"))
			return
		}

		client := newClient(h, conn, uuid.NewString())
		if err := h.register(client); err != nil {
			h.logger.Warnw("Rejecting WebSocket client", "error", err.Error())
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many clients"),
				time.Now().Add(writeWait))
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
