package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewdeck/crewdeck-core/internal/auth"
)

// sendBufferSize is the per-connection outbound message buffer size.
const sendBufferSize = 256

// Conn is one live real-time channel instance. It is created on upgrade,
// destroyed on disconnect, and never persisted.
type Conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu       sync.RWMutex
	identity *Identity // nil until a successful bind
}

// NewConn creates a connection for an upgraded WebSocket and registers it
// with the hub. The ws may be nil in tests; frames then accumulate in the
// send channel.
func (h *Hub) NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:   "con-" + uuid.NewString()[:8],
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}
	h.Register(c)
	return c
}

// ID returns the connection's ephemeral identifier.
func (c *Conn) ID() string {
	return c.id
}

// Identity returns the bound identity, or nil for an unbound connection.
func (c *Conn) Identity() *Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) setIdentity(identity *Identity) {
	c.mu.Lock()
	c.identity = identity
	c.mu.Unlock()
}

// userID returns the bound user ID, or empty for an unbound connection.
func (c *Conn) userID() string {
	if identity := c.Identity(); identity != nil {
		return identity.UserID
	}
	return ""
}

// ReadPump reads frames from the WebSocket and dispatches them until the
// connection drops. It owns teardown: the hub unregisters the connection
// when the pump exits.
func (c *Conn) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		c.ws.Close()
	}()

	cfg := c.hub.cfg
	c.ws.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "connection_id", c.id, "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "connection_id", c.id, "error", err)
			}
			return
		}
		// Any client frame resets the read deadline (keeps the connection
		// alive even if the browser ignores protocol-level pings).
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(pingInterval + pongWait))

		if err := c.hub.Dispatch(ctx, c, message); err != nil {
			c.sendDispatchError(err)
		}
	}
}

// WritePump writes outbound frames and protocol pings to the WebSocket.
func (c *Conn) WritePump() {
	cfg := c.hub.cfg
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a frame without blocking. A closed channel (torn down mid
// broadcast) and a full buffer (slow client) are both absorbed.
func (c *Conn) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		// Client buffer full, skip
	}
}

// sendEvent queues a typed frame to this connection.
func (c *Conn) sendEvent(msgType string, payload any) {
	data, err := marshalEnvelope(msgType, payload)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendDispatchError translates a dispatch failure into an error frame.
// Token failures use the dedicated authentication_error type.
func (c *Conn) sendDispatchError(err error) {
	msgType := MsgError
	if errors.Is(err, auth.ErrTokenInvalid) || errors.Is(err, auth.ErrTokenExpired) {
		msgType = MsgAuthenticationError
	}
	c.sendEvent(msgType, ErrorEvent{Message: err.Error()})
}
