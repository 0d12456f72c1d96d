package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/logging"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames; clients never send payloads
	// here, only pong control frames, but a misbehaving client shouldn't
	// be able to block the read loop on an unbounded frame.
	maxMessageSize = 1024
)

// Client is one dashboard's WebSocket connection, subscribed to a filtered
// slice of the Event Bus.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

// forwardEvents drains the Bus subscription channel, JSON-encodes each
// event, and queues it for writePump. It returns once ch is closed by the
// Bus (on unsubscribe). When send is full the event is dropped for this
// client rather than blocking; the connection stays open.
func (c *Client) forwardEvents(ch <-chan events.Event) {
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			logging.S().Warnw("websocket: encoding event failed", "event_type", ev.EventType, "error", err)
			continue
		}
		select {
		case c.send <- data:
		default:
			logging.S().Warnw("websocket: dropping event for slow client", "event_type", ev.EventType)
		}
	}
}

// readPump exists only to detect client disconnects and respond to
// control frames (pong/close); this stream is one-directional, so any
// data frame from the client is discarded. cancel unsubscribes from the
// Event Bus once the connection ends.
func (c *Client) readPump(cancel func()) {
	defer func() {
		cancel()
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.S().Debugw("websocket: connection closed", "error", err)
			}
			return
		}
	}
}

// writePump pumps queued event frames to the peer and keeps the
// connection alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
