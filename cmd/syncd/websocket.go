// Package main provides the WebSocket hub for real-time sync events.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	stdsync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/edunexus/offsync/internal/logging"
	"github.com/edunexus/offsync/internal/models"
	"github.com/edunexus/offsync/internal/sync"
	"github.com/edunexus/offsync/internal/sync/connectivity"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only allow connections from localhost
		host := r.Host
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return host == "localhost" || host == "127.0.0.1"
	},
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan []byte
	register   chan *WSClient
	unregister chan *WSClient
	mu         stdsync.RWMutex
}

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// WebSocket event types.
const (
	EventSyncStarted          = "sync.started"
	EventSyncProgress         = "sync.progress"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"

	EventConnectivityChanged = "connectivity.changed"
)

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
	go hub.run()
	return hub
}

// run manages client connections and broadcasts.
func (h *WSHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			logging.Debug("WebSocket client connected", map[string]interface{}{
				"client_id": client.id,
			})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			logging.Debug("WebSocket client disconnected", map[string]interface{}{
				"client_id": client.id,
			})

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client send buffer is full, close connection
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an enveloped message to all connected clients.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	envelope := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal WebSocket message", err)
		return
	}

	select {
	case h.broadcast <- bytes:
	default:
		// Broadcast queue full, drop the event rather than block the engine
	}
}

// BroadcastConnectivityChanged notifies clients of online/offline transitions.
func (h *WSHub) BroadcastConnectivityChanged(status connectivity.Status) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{
		"status": string(status),
	})
}

// The hub doubles as the engine's event sink: every lifecycle event is
// forwarded to the UI shell as a broadcast.
var _ sync.EventSink = (*WSHub)(nil)

// SyncStarted notifies clients that a drain pass has started.
func (h *WSHub) SyncStarted() {
	h.Broadcast(EventSyncStarted, map[string]interface{}{
		"status": "started",
	})
}

// SyncProgress notifies clients after each settled queue item.
func (h *WSHub) SyncProgress(completed, remaining int) {
	total := completed + remaining
	percent := 100
	if total > 0 {
		percent = completed * 100 / total
	}
	h.Broadcast(EventSyncProgress, map[string]interface{}{
		"percent":   percent,
		"completed": completed,
		"remaining": remaining,
	})
}

// SyncCompleted notifies clients that a drain pass finished.
func (h *WSHub) SyncCompleted(result *sync.Result) {
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"completed": result.Completed,
		"conflicts": result.Conflicts,
		"duration":  result.Duration.Milliseconds(),
		"status":    "completed",
	})
}

// SyncFailed notifies clients that a drain pass left items in error.
func (h *WSHub) SyncFailed(errorCount int) {
	h.Broadcast(EventSyncFailed, map[string]interface{}{
		"error_count": errorCount,
		"status":      "failed",
	})
}

// ConflictDetected notifies clients of a server-wins resolution.
func (h *WSHub) ConflictDetected(entry *models.SyncConflict) {
	h.Broadcast(EventSyncConflictDetected, map[string]interface{}{
		"entity":         entry.Entity,
		"entity_id":      entry.EntityID,
		"local_version":  entry.LocalVersion,
		"server_version": entry.ServerVersion,
		"resolution":     entry.Resolution,
	})
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read error", map[string]interface{}{
					"client_id": c.id,
					"error":     err.Error(),
				})
			}
			break
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// HandleWebSocket handles WebSocket connections.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Error("Failed to upgrade WebSocket connection", err)
			return
		}

		clientID := time.Now().Format("20060102150405.000") + "-" + r.RemoteAddr

		client := &WSClient{
			id:   clientID,
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
