// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/openbound/roomchat/internal/chat"
)

const (
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second
	writeWait   = 10 * time.Second
	sendBacklog = 256
)

// Client represents one WebSocket connection. It owns the read and write
// pumps for the socket and forwards decoded protocol events to the room
// engine through the hub.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	hub            *Hub
	addr           string
	closed         bool
	maxMessageSize int64
	limiter        *rate.Limiter
	rateLimit      RateLimitConfig
}

// NewClient creates a new Client for the provided WebSocket connection. The
// send channel is buffered so the engine's fan-out never blocks on a slow
// reader.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := currentConfig()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	perSecond := float64(cfg.RateLimit.Burst) / cfg.RateLimit.RefillInterval.Seconds()
	limiter := rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimit.Burst)

	return &Client{
		id:             chat.NewConnID(),
		conn:           conn,
		send:           make(chan []byte, sendBacklog),
		hub:            hub,
		addr:           addr,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        limiter,
		rateLimit:      cfg.RateLimit,
	}
}

// ID returns the connection identifier the engine keys sessions by.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's send channel for reading outgoing messages.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Error("error setting initial read deadline", "addr", c.addr, "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			slog.Error("error setting read deadline in pong handler", "addr", c.addr, "error", err)
		}
		return nil
	})
}

// handleReadError logs an appropriate message for the error and reports
// whether the read loop should stop.
func (c *Client) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		slog.Warn("message exceeded maximum size", "addr", c.addr, "max_bytes", c.maxMessageSize)
		return true
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		slog.Info("client disconnected", "addr", c.addr, "error", err)
		return true
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		slog.Info("client connection closed", "addr", c.addr, "error", err)
		return true
	}

	slog.Warn("websocket read error", "addr", c.addr, "error", err)
	return true
}

// dispatch decodes a wire frame and routes it to the matching engine
// operation. Malformed frames and unknown events are dropped; the engine is
// designed to degrade by omission rather than terminate the connection.
func (c *Client) dispatch(raw []byte) {
	var env chat.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("dropping malformed frame", "addr", c.addr, "error", err)
		return
	}
	if len(env.Data) == 0 {
		// Events with all-optional payloads may arrive without data.
		env.Data = []byte("{}")
	}

	switch env.Event {
	case chat.EventJoin:
		var req chat.JoinRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			slog.Warn("dropping malformed join payload", "addr", c.addr, "error", err)
			return
		}
		c.hub.engine.Join(c.id, req)

	case chat.EventMessage:
		var req chat.MessageRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			slog.Warn("dropping malformed message payload", "addr", c.addr, "error", err)
			return
		}
		c.hub.engine.PostMessage(c.id, req)

	case chat.EventTyping:
		var req chat.TypingRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			slog.Warn("dropping malformed typing payload", "addr", c.addr, "error", err)
			return
		}
		c.hub.engine.SetTyping(c.id, req)

	default:
		slog.Warn("dropping unknown event", "addr", c.addr, "event", env.Event)
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		if err := c.conn.Close(); err != nil {
			if !isExpectedCloseError(err) {
				slog.Error("error closing connection in readPump", "error", err)
			}
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if c.handleReadError(err) {
				return
			}
			continue
		}

		if !c.limiter.Allow() {
			slog.Warn("rate limit exceeded, discarding frame",
				"addr", c.addr,
				"burst", c.rateLimit.Burst,
				"refill_interval", c.rateLimit.RefillInterval)
			continue
		}

		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeFrame(frame, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.hub.ctx.Done():
			return
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			slog.Error("error closing connection in writePump", "error", err)
		}
	}
}

// writeFrame delivers one outbound frame, draining any frames queued behind
// it, and reports whether the pump should keep running.
func (c *Client) writeFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Error("error setting write deadline", "addr", c.addr, "error", err)
		return false
	}

	if !ok {
		// The hub closed the send channel.
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			if !isExpectedCloseError(err) {
				slog.Error("error writing close message", "addr", c.addr, "error", err)
			}
		}
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		slog.Error("error creating writer", "addr", c.addr, "error", err)
		return false
	}

	if _, err := w.Write(frame); err != nil {
		slog.Error("error writing frame", "addr", c.addr, "error", err)
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			slog.Error("error writing frame separator", "addr", c.addr, "error", err)
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			slog.Error("error writing queued frame", "addr", c.addr, "error", err)
			return false
		}
	}

	if err := w.Close(); err != nil {
		slog.Error("error closing writer", "addr", c.addr, "error", err)
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Error("error setting write deadline for ping", "addr", c.addr, "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		slog.Error("error writing ping message", "addr", c.addr, "error", err)
		return false
	}
	return true
}
