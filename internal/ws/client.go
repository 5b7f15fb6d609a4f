package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"MailGateway/internal/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	sendBufferSize = 256
)

type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan Frame
	logger *zap.Logger

	mu     sync.Mutex
	closed bool

	// Highest notification count queued so far; the connect-time seed can
	// race a live broadcast and must not move the badge backwards.
	counted   bool
	lastCount int64
}

func newClient(id string, hub *Hub, conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		send:   make(chan Frame, sendBufferSize),
		logger: logger,
	}
}

// Send queues a frame; a slow client loses frames rather than stalling the
// hub.
func (c *Client) Send(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	if frame.Event == bus.EventNotifyCount {
		var p bus.CountPayload
		if err := json.Unmarshal(frame.Payload, &p); err == nil {
			if c.counted && p.Count < c.lastCount {
				return
			}
			c.counted, c.lastCount = true, p.Count
		}
	}

	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping event",
			zap.String("client_id", c.id),
			zap.String("event", frame.Event),
		)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.send)
	c.conn.Close()
}

// readPump only keeps the connection alive and answers pings; dashboards
// have nothing to subscribe to.
func (c *Client) readPump() {
	defer c.hub.leave(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var in Frame
		if err := json.Unmarshal(data, &in); err == nil && in.Event == "ping" {
			c.Send(Frame{Event: "pong"})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Warn("write error", zap.String("client_id", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
