// Package wsconn is the connection manager: a single-goroutine hub that
// owns the set of active WebSocket clients per user and the cancel
// tokens for their in-flight turns, plus the per-connection read/write
// pumps that bridge a gorilla/websocket connection to the hub.
package wsconn

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatdf/backend/internal/wsevents"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 1 * 1024 * 1024
	sendEventTimeout  = 2 * time.Second
	finalEventTimeout = 10 * time.Second
)

// isTerminal reports whether an event type closes out a turn and so
// deserves a longer send timeout than a regular streaming token.
func isTerminal(eventType string) bool {
	return eventType == wsevents.TypeChatComplete || eventType == wsevents.TypeChatError
}

// Client is one physical WebSocket connection registered against a user.
// The same user may have several Clients open at once (multiple tabs or
// devices); the hub fans events out to all of them.
type Client struct {
	UserID uuid.UUID

	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	writeMu sync.Mutex
}

// NewClient wraps an already-upgraded connection for registration with hub.
func NewClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		UserID: userID,
		send:   make(chan []byte, 256),
	}
}

// ReadPump reads inbound frames and hands each to handle on its own
// goroutine, so a slow handler never stalls the read loop. It blocks
// until the connection closes, then unregisters the client from the hub.
func (c *Client) ReadPump(handle func(message []byte)) {
	defer func() {
		c.hub.Disconnect(c.UserID, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "user_id", c.UserID, "error", err)
			}
			return
		}
		go handle(message)
	}
}

// WritePump drains the send channel to the wire and keeps the connection
// alive with periodic pings. It returns when send is closed or a write
// fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.writeRaw(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeRaw(websocket.TextMessage, message); err != nil {
				slog.Debug("websocket write error", "user_id", c.UserID, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.writeRaw(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) writeRaw(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// sendRaw queues an already-marshaled payload, non-blocking with a
// timeout keyed to whether the event is terminal. A slow or wedged
// client drops regular events rather than stalling delivery to others;
// a terminal event gets one deferred retry before being dropped.
func (c *Client) sendRaw(payload []byte, terminal bool) {
	timeout := sendEventTimeout
	if terminal {
		timeout = finalEventTimeout
	}

	select {
	case c.send <- payload:
		return
	case <-time.After(timeout):
	}

	slog.Warn("websocket send channel full, dropping event", "user_id", c.UserID, "terminal", terminal)
	if !terminal {
		return
	}
	go func() {
		select {
		case c.send <- payload:
		case <-time.After(finalEventTimeout):
			slog.Error("failed to deliver terminal event", "user_id", c.UserID)
		}
	}()
}

// closeSend terminates WritePump by closing send, guarded against a
// double close if two unregister paths race.
func (c *Client) closeSend() {
	select {
	case <-c.send:
	default:
		close(c.send)
	}
}
