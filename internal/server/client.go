package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fablecraft/collab-relay/internal/collab"
	"github.com/fablecraft/collab-relay/internal/logging"
)

const (
	// writeWait is the time allowed to write one frame.
	writeWait = 10 * time.Second
	// pongWait is the time allowed to read the next pong.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultSendBufferSize  = 256
	defaultMaxMessageBytes = 64 * 1024
)

// Client is one WebSocket connection. It implements collab.Sender.
type Client struct {
	id     string
	userID string
	hub    *Hub
	conn   *websocket.Conn
	logger logging.Logger

	// limiter is nil when inbound rate limiting is off.
	limiter *rate.Limiter

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(id, userID string, hub *Hub, conn *websocket.Conn, bufferSize int, limiter *rate.Limiter, logger logging.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = defaultSendBufferSize
	}
	return &Client{
		id:      id,
		userID:  userID,
		hub:     hub,
		conn:    conn,
		logger:  logger.With("client", id),
		limiter: limiter,
		send:    make(chan []byte, bufferSize),
	}
}

// newLimiter builds the per-connection token bucket, or nil when disabled.
func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	if !cfg.Enabled {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), burst)
}

// ID returns the connection ID.
func (c *Client) ID() string { return c.id }

// Subscribe adds the connection to room.
func (c *Client) Subscribe(room string) { c.hub.subscribe(c, room) }

// Unsubscribe removes the connection from room.
func (c *Client) Unsubscribe(room string) { c.hub.unsubscribe(c, room) }

// enqueue queues data for the write pump. It returns false only when the
// buffer is full; writes to a closed client are discarded.
func (c *Client) enqueue(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// reply sends msg to this connection only.
func (c *Client) reply(msg collab.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Errorw("failed to encode reply", "type", msg.Type, "error", err)
		return
	}
	if !c.enqueue(data) {
		c.logger.Warnw("reply dropped, send buffer full", "type", msg.Type)
	}
}

func (c *Client) replyError(code, message, inboundType string) {
	c.reply(collab.Message{
		Type:      collab.TypeError,
		Payload:   collab.ErrorPayload{Code: code, Message: message, Type: inboundType},
		Timestamp: time.Now().UnixMilli(),
	})
}

// readPump decodes inbound frames and routes them until the connection
// fails or closes. The connection's presence is released on exit.
func (c *Client) readPump(s *Server, maxMessageBytes int64) {
	defer func() {
		s.handlers.Disconnect(c.id)
		c.hub.unregister(c)
		c.conn.Close()
		c.logger.Debugw("client disconnected")
	}()

	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("unexpected close", "error", err)
			}
			return
		}
		s.stats.messagesIn.Add(1)

		if c.limiter != nil && !c.limiter.Allow() {
			s.stats.rateLimited.Add(1)
			c.replyError(CodeRateLimited, "rate limit exceeded", "")
			continue
		}

		var msg collab.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError(CodeInvalidMessage, "message is not valid JSON: "+err.Error(), "")
			continue
		}
		if msg.Type == "" {
			c.replyError(CodeInvalidMessage, "message type is required", "")
			continue
		}
		if msg.UserID == "" {
			msg.UserID = c.userID
		}
		msg.ClientID = c.id

		if err := s.handlers.Handle(s.ctx, c, msg); err != nil {
			c.replyError(errorCode(err), err.Error(), msg.Type)
		}
	}
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with pings. It exits when the send buffer is closed.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
