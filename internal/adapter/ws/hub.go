// Package ws streams sync progress to browsers over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/observability"
	"github.com/couchcryptid/ok-offline-sync/internal/orchestrator"
)

// MessageType tags a broadcast message.
type MessageType string

const (
	TypeHello    MessageType = "hello"
	TypeProgress MessageType = "progress"
	TypeStage    MessageType = "stage"
	TypeComplete MessageType = "complete"
	TypeError    MessageType = "error"
)

const (
	broadcastBuffer = 100
	writeTimeout    = 5 * time.Second
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StageEvent is the payload of a stage message.
type StageEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// Hub fans messages out to every connected client. A full broadcast buffer
// drops the message, and a client that cannot keep up is disconnected, so
// publishers never block.
type Hub struct {
	originPatterns []string
	snapshot       func() any
	clock          clockwork.Clock
	logger         *slog.Logger
	metrics        *observability.Metrics

	mu        sync.RWMutex
	clients   map[*websocket.Conn]struct{}
	broadcast chan Message
}

// NewHub creates a Hub. snapshot, when set, supplies the payload of the
// hello message sent to each new client.
func NewHub(originPatterns []string, snapshot func() any, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		originPatterns: originPatterns,
		snapshot:       snapshot,
		clock:          clock,
		logger:         logger,
		metrics:        metrics,
		clients:        make(map[*websocket.Conn]struct{}),
		broadcast:      make(chan Message, broadcastBuffer),
	}
}

// Publish queues a message for broadcast. With no connected clients the
// message is discarded; a client joining later gets the hello snapshot.
func (h *Hub) Publish(t MessageType, data any) {
	if h.Clients() == 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("encode broadcast", "type", t, "error", err)
		return
	}
	select {
	case h.broadcast <- Message{Type: t, Timestamp: h.clock.Now().UTC(), Data: raw}:
	default:
		h.logger.Warn("broadcast buffer full, dropping message", "type", t)
	}
}

// Callbacks returns orchestrator callbacks that publish to the hub.
func (h *Hub) Callbacks() orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnProgress: func(p orchestrator.Progress) { h.Publish(TypeProgress, p) },
		OnStageChange: func(event, message string) {
			h.Publish(TypeStage, StageEvent{Event: event, Message: message})
		},
		OnComplete: func(r orchestrator.Report) { h.Publish(TypeComplete, r) },
		OnError:    func(err error) { h.Publish(TypeError, map[string]string{"error": err.Error()}) },
	}
}

// Run broadcasts queued messages until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) error {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("encode message", "error", err)
				continue
			}
			for _, conn := range h.snapshotClients() {
				if err := h.write(ctx, conn, data); err != nil {
					h.logger.Debug("client write failed, dropping", "error", err)
					h.remove(conn)
				}
			}
		}
	}
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.add(conn)

	var hello any
	if h.snapshot != nil {
		hello = h.snapshot()
	}
	raw, _ := json.Marshal(hello)
	data, _ := json.Marshal(Message{Type: TypeHello, Timestamp: h.clock.Now().UTC(), Data: raw})
	if err := h.write(r.Context(), conn, data); err != nil {
		h.remove(conn)
		return
	}

	h.readLoop(r.Context(), conn)
}

// readLoop discards client frames; it returns when the connection closes.
func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) snapshotClients() []*websocket.Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.ProgressClients.Set(float64(n))
	h.logger.Debug("progress client connected", "clients", n)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.metrics.ProgressClients.Set(float64(n))
	h.logger.Debug("progress client disconnected", "clients", n)
}

func (h *Hub) closeAll() {
	for _, c := range h.snapshotClients() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.metrics.ProgressClients.Set(0)
}
