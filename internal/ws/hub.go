// Package ws is the realtime broadcast gateway: it holds dashboard socket
// connections and pushes every bus-delivered event to all of them.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"MailGateway/internal/metrics"
)

// Frame is what dashboards receive, one per event.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub maintains the set of active clients and broadcasts frames to them.
// Delivery is fire-and-forget; clients that connect later get no replay.
type Hub struct {
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan Frame

	mu sync.RWMutex

	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Frame, 256),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run is the hub's main loop. Frames are fanned out in the order Broadcast
// was called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ConnectedSockets.Set(0)
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectedSockets.Set(float64(total))
			h.logger.Info("client connected",
				zap.String("client_id", client.id),
				zap.Int("total", total),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.ConnectedSockets.Set(float64(total))
			h.logger.Info("client disconnected",
				zap.String("client_id", client.id),
				zap.Int("total", total),
			)

		case frame := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				client.Send(frame)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) Stop() {
	h.cancel()
}

// Broadcast queues an event for every connected client. It is the bus sink
// and must not be called directly by pipeline code.
func (h *Hub) Broadcast(event string, payload json.RawMessage) {
	select {
	case h.broadcast <- Frame{Event: event, Payload: payload}:
	default:
		h.logger.Warn("broadcast buffer full, dropping event", zap.String("event", event))
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}
