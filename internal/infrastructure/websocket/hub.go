// Package websocket fans chart changes out to connected terminals. Clients
// subscribe to one clinical record at connect time and receive every change
// committed against that record, from any collaborating device.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opchart/go-dripline/internal/domain/infusion"
)

// Notice is the message pushed to subscribed terminals. Terminals re-fetch
// derived state after a notice; the payload carries only what changed.
type Notice struct {
	Type      string          `json:"type"`
	RecordID  string          `json:"record_id"`
	Timestamp time.Time       `json:"timestamp"`
	Change    json.RawMessage `json:"change,omitempty"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single connected terminal.
type Client struct {
	ID     string
	Record string
	Send   chan []byte
	conn   Conn
}

// Hub tracks connected terminals per clinical record. All operations are
// safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	records map[string]map[*Client]struct{} // record id -> subscribed clients
	all     map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		records: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client and subscribes it to its record.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.records[client.Record] == nil {
		h.records[client.Record] = make(map[*Client]struct{})
	}
	h.records[client.Record][client] = struct{}{}
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.records[client.Record]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.records, client.Record)
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast sends a payload to every terminal watching the given record.
func (h *Hub) Broadcast(recordID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subscribers, ok := h.records[recordID]
	if !ok {
		return
	}
	for client := range subscribers {
		select {
		case client.Send <- payload:
		default:
			// Client buffer full; skip to avoid blocking.
			h.logger.Warn("dropping notice for slow client",
				zap.String("client_id", client.ID),
				zap.String("record_id", recordID))
		}
	}
}

// ChangeCommitted implements infusion.ChangeSink, so the hub can hang
// directly off a local store in the standalone deployment.
func (h *Hub) ChangeCommitted(ch *infusion.Change) {
	raw, err := json.Marshal(ch)
	if err != nil {
		h.logger.Error("marshal change", zap.Error(err))
		return
	}
	h.BroadcastChange(ch.RecordID, raw)
}

// BroadcastChange wraps a marshaled change in a Notice and broadcasts it.
// The sync gateway calls this with payloads straight off the change topic.
func (h *Hub) BroadcastChange(recordID string, change []byte) {
	notice := Notice{
		Type:      "chart.change",
		RecordID:  recordID,
		Timestamp: time.Now().UTC(),
		Change:    change,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		h.logger.Error("marshal notice", zap.Error(err))
		return
	}
	h.Broadcast(recordID, payload)
}

// ClientCount returns the total number of connected terminals.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// RecordCount returns the number of terminals watching a record.
func (h *Hub) RecordCount(recordID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records[recordID])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// ServeWS upgrades the connection and subscribes it to the record named in
// the query string. The subscription is fixed for the connection lifetime.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	recordID := r.URL.Query().Get("record")
	if recordID == "" {
		http.Error(w, "record query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:     uuid.New().String(),
		Record: recordID,
		Send:   make(chan []byte, 256),
		conn:   ws,
	}
	h.Register(client)
	h.logger.Info("terminal connected",
		zap.String("client_id", client.ID),
		zap.String("record_id", recordID))

	go h.writePump(client)
	go h.readPump(client, ws)
}

// readPump drains inbound frames until the peer goes away. Terminals never
// send application messages; this only detects disconnects.
func (h *Hub) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.Unregister(client)
		ws.Close()
		h.logger.Info("terminal disconnected", zap.String("client_id", client.ID))
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump writes queued payloads to the connection.
func (h *Hub) writePump(client *Client) {
	defer client.conn.Close()

	for message := range client.Send {
		if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
