package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 4096

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

// Client represents a single, already-authenticated WebSocket connection. Unlike a frame-based handshake, identity is
// established before Serve is ever called: the HTTP upgrade handler validates the bearer token and only then hands
// the connection to the Hub. Each client runs two goroutines (readPump and writePump) and communicates with the Hub
// via its send channel and callback methods.
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	userID       uuid.UUID
	connectionID string
	send         chan []byte
	log          zerolog.Logger

	// done is closed to signal that the client is shutting down. The send channel is never closed directly; writePump
	// and enqueue both select on done to detect termination, avoiding send-on-closed-channel panics that would
	// otherwise occur when unregister races with dispatch.
	done      chan struct{}
	closeOnce sync.Once

	// Rate limiting state (only accessed from readPump, no mutex needed).
	eventCount  int
	windowStart time.Time
}

func newClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, logger zerolog.Logger) *Client {
	return &Client{
		hub:          hub,
		conn:         conn,
		userID:       userID,
		connectionID: uuid.NewString(),
		send:         make(chan []byte, 256),
		done:         make(chan struct{}),
		log:          logger,
	}
}

// UserID returns the authenticated user ID.
func (c *Client) UserID() uuid.UUID { return c.userID }

// ConnectionID returns the per-connection id used in the server:sessions:<instanceId> membership set.
func (c *Client) ConnectionID() string { return c.connectionID }

// closeSend signals the client's write loop to stop. Safe to call from multiple goroutines; only the first call has
// any effect.
func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump reads frames from the WebSocket connection and routes them by opcode. It runs in its own goroutine and is
// responsible for closing the connection (via the Hub) when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	heartbeatInterval := c.hub.cfg.GatewayHeartbeatInterval
	c.conn.SetReadLimit(maxMessageSize)
	// Allow slightly more than one heartbeat interval before timing out, so a single missed heartbeat does not
	// immediately sever the connection.
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		if c.rateLimited() {
			c.closeWithCode(CloseRateLimited, "rate limit exceeded")
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError(CloseDecodeError, "invalid JSON")
			continue
		}

		switch frame.Op {
		case OpcodeHeartbeat:
			c.handleHeartbeat(heartbeatInterval)
		case OpcodeChatMessage:
			c.handleChatMessage(frame.Data)
		case OpcodeReceiptUpdate:
			c.handleReceiptUpdate(frame.Data)
		default:
			// An unknown opcode is a malformed frame, not a protocol violation worth dropping the connection for:
			// report it and keep reading, per the ingress contract.
			c.sendError(CloseUnknownOpcode, "unknown opcode")
		}
	}
}

// writePump writes messages from the send channel to the WebSocket connection. It runs in its own goroutine and
// exits when done is closed. Any messages already buffered are drained before returning.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// handleHeartbeat responds with a HeartbeatACK, resets the read deadline, and refreshes presence so the key does not
// expire while the connection is alive.
func (c *Client) handleHeartbeat(heartbeatInterval time.Duration) {
	_ = c.conn.SetReadDeadline(time.Now().Add(heartbeatInterval + heartbeatInterval/2))

	ack, err := NewHeartbeatACKFrame()
	if err != nil {
		c.log.Error().Err(err).Msg("build heartbeat ack")
		return
	}
	c.enqueue(ack)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.hub.presence.Refresh(ctx, c.userID); err != nil {
		c.log.Debug().Err(err).Msg("refresh presence ttl")
	}
}

// handleChatMessage decodes an OpcodeChatMessage frame and hands it to the Hub for access-checking and submission to
// the Message Pipeline. Malformed payloads are reported, not fatal.
func (c *Client) handleChatMessage(data json.RawMessage) {
	var payload ChatMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(CloseDecodeError, "invalid chat message payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.hub.handleChatMessage(ctx, c, payload); err != nil {
		c.sendError(CloseUnknownError, err.Error())
	}
}

// handleReceiptUpdate decodes an OpcodeReceiptUpdate frame and hands it to the Hub.
func (c *Client) handleReceiptUpdate(data json.RawMessage) {
	var payload ReceiptUpdatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.sendError(CloseDecodeError, "invalid receipt update payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.hub.handleReceiptUpdate(ctx, c, payload); err != nil {
		c.sendError(CloseUnknownError, err.Error())
	}
}

// sendError enqueues an Error frame without closing the connection.
func (c *Client) sendError(code int, message string) {
	frame, err := NewErrorFrame(code, message)
	if err != nil {
		c.log.Error().Err(err).Msg("build error frame")
		return
	}
	c.enqueue(frame)
}

// enqueue sends a message to the client's write channel. If the client has already shut down the message is silently
// dropped. If the channel is full, the message is dropped and the connection is closed to prevent backpressure from
// stalling the Hub.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("client send buffer full, closing connection")
		c.closeSend()
		_ = c.conn.Close()
	}
}

// closeWithCode sends a WebSocket close frame with the given code and reason, then closes the underlying connection.
func (c *Client) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.conn.Close()
}

// rateLimited returns true if the client has exceeded the configured ingress frame rate.
func (c *Client) rateLimited() bool {
	now := time.Now()
	window := time.Duration(c.hub.cfg.RateLimitWSWindowSeconds) * time.Second
	if now.Sub(c.windowStart) > window {
		c.eventCount = 0
		c.windowStart = now
	}
	c.eventCount++
	return c.eventCount > c.hub.cfg.RateLimitWSCount
}
