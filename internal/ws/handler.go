package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"MailGateway/internal/bus"
)

// CountSource reports the shared notification counter.
type CountSource interface {
	NotificationCount(ctx context.Context) (int64, error)
}

type Handler struct {
	hub      *Hub
	counts   CountSource
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler upgrades dashboard connections. allowedOrigin "*" accepts any
// origin; otherwise only that origin and same-host requests are accepted.
func NewHandler(hub *Hub, counts CountSource, allowedOrigin string, logger *zap.Logger) *Handler {
	return &Handler{
		hub:    hub,
		counts: counts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowedOrigin == "*" || origin == "" || origin == allowedOrigin {
					return true
				}
				return origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(uuid.NewString(), h.hub, conn, h.logger)
	if !h.hub.join(client) {
		conn.Close()
		return
	}

	// Seed the new dashboard with the cluster-wide count instead of making
	// it wait for the next notification.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	count, err := h.counts.NotificationCount(ctx)
	cancel()
	if err != nil {
		h.logger.Error("failed to fetch notification count", zap.Error(err))
	} else {
		payload, _ := json.Marshal(bus.CountPayload{Count: count})
		client.Send(Frame{Event: bus.EventNotifyCount, Payload: payload})
	}

	go client.writePump()
	go client.readPump()
}
