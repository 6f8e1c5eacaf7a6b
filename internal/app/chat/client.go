/*
Package chat contains the core logic for real-time rooms, live connections and message
fan-out.

This file defines the Client, the websocket side of a Connection. ReadPump decodes inbound
frames and hands them to the Hub; WritePump drains the outbound queue and keeps the socket
alive with pings.
*/
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"recoverychat/internal/app/user"
	"recoverychat/internal/pkg/errs"
	"recoverychat/internal/pkg/logx"
)

const (
	// timeout duration for writing to the WebSocket connection.
	writeWait = 10 * time.Second

	// maximum time allowed for the server to wait for a Pong message from the client.
	pongWait = 60 * time.Second

	// frequency at which the server sends a Ping message.
	pingPeriod = (pongWait * 9) / 10

	// maximum allowed size (in bytes) of a frame sent by the client. A body at the length cap
	// fits even when every character arrives as an escaped surrogate pair (12 bytes).
	maxMessageSize = MaxMessageLength*12 + 1024

	// capacity of the outbound queue; a client that falls this far behind is dropped.
	sendBufferSize = 256

	// inbound frames allowed per second, and the burst on top of it.
	inboundRate  = 20
	inboundBurst = 40

	// WsCloseCodeDuplicate is sent when the hub refuses to register the connection.
	WsCloseCodeDuplicate = 4009
)

// Client binds a websocket to its Connection in the Hub.
type Client struct {
	hub *Hub

	// underlying WebSocket connection object.
	conn *websocket.Conn

	// connection is the hub's record, set once registered.
	connection *Connection

	// a buffered channel used to queue frames waiting to be written.
	send chan []byte

	// mu guards closed so Enqueue never writes to a closed channel.
	mu     sync.Mutex
	closed bool

	limiter *rate.Limiter

	logger zerolog.Logger
}

var _ Outbox = (*Client)(nil)

// NewClient constructs and returns a new Client instance.
func NewClient(hub *Hub, wsConn *websocket.Conn) *Client {
	return &Client{
		hub:     hub,
		conn:    wsConn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(inboundRate), inboundBurst),
		logger:  logx.Component("client"),
	}
}

// Serve registers the socket as a connection of u and pumps frames until the socket
// closes. It blocks for the lifetime of the connection.
func Serve(hub *Hub, wsConn *websocket.Conn, u user.User) {
	client := NewClient(hub, wsConn)

	connection, err := hub.Connect(u, client)
	if err != nil {
		closeMessage := websocket.FormatCloseMessage(WsCloseCodeDuplicate, "connection rejected")
		_ = wsConn.WriteControl(websocket.CloseMessage, closeMessage, time.Now().Add(writeWait))
		_ = wsConn.Close()
		return
	}

	client.connection = connection
	client.logger = client.logger.With().
		Str("conn_id", connection.ID).
		Str("user_id", u.ID).
		Logger()

	go client.WritePump()

	client.ReadPump()
}

// Enqueue queues a frame without blocking.
func (c *Client) Enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn().Int("queue_len", len(c.send)).Msg("Client send channel full, dropping client.")
		return false
	}
}

// Close closes the send queue; WritePump then sends a close frame and shuts the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump handles reading frames from the WebSocket connection.
// Pongs only extend the read deadline; liveness for presence comes from heartbeat events.
func (c *Client) ReadPump() {
	defer c.cleanupOnDisconnect()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info().Err(err).Msg("Error reading message (Client close/going away)")
			}
			break
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Error().Err(err).Msg("Failed to extend read deadline")
			break
		}

		if !c.limiter.Allow() {
			c.logger.Warn().Msg("Client exceeded inbound frame rate. Frame dropped.")
			c.hub.SendError(c.connection, errs.NewError(errs.ErrRateLimitExceeded))
			continue
		}

		c.hub.HandleFrame(context.Background(), c.connection, frame)
	}
}

// cleanupOnDisconnect unregisters the connection and closes the socket when ReadPump ends.
func (c *Client) cleanupOnDisconnect() {
	c.logger.Info().Msg("Client connection cleanup starting.")

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	c.hub.Disconnect(ctx, c.connection.ID)
	c.Close()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Client connection close error")
	}
}

// WritePump writes frames from the send queue to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		// ensure the connection is closed on exit
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Client connection close error in WritePump")
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeQueuedFrame(frame, ok) {
				return
			}

		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeQueuedFrame writes one frame, or a close frame once the queue is closed.
// It returns false when WritePump should stop.
func (c *Client) writeQueuedFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline")
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
			c.logger.Debug().Err(err).Msg("Error writing close message")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing message")
		return false
	}

	return true
}

// writePing sends a periodic WebSocket Ping to keep intermediaries from idling the socket out.
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Error().Err(err).Msg("Failed to set write deadline on ping")
		return false
	}

	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn().Err(err).Msg("Error writing ping")
		return false
	}

	return true
}
