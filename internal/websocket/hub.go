// Package websocket fans the Event Bus's workflow/phase/agent/tool/gate/
// artifact/budget events out to external dashboards over WebSocket
// connections, per SPEC_FULL.md §1's "in-process + WebSocket-fanout event
// bus" ambient stack. Generalized from the teacher's room-based
// collaboration Hub (internal/websocket/hub.go: register/unregister/
// broadcast channels, origin-checked upgrader, ping/pong keepalive) into
// a single broadcast surface over component J's existing
// events.Bus.Subscribe contract — there are no rooms, cursors, or chat
// here, only a stream of typed events optionally filtered by run ID and
// event type.
package websocket

import (
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/apex-build/orchestrator/internal/events"
	"github.com/apex-build/orchestrator/internal/logging"
)

// Hub tracks the set of live dashboard connections. Unlike the teacher's
// Hub, it holds no per-room state: every connection is an independent
// subscriber against the Event Bus, and Hub's only job is bookkeeping for
// graceful shutdown.
type Hub struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub builds a Hub fanning bus's events out to WebSocket clients.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[*Client]struct{})}
}

// ConnectionCount reports the number of live dashboard connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown closes every live connection's send channel, causing each
// writePump to exit and close the underlying socket.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*Client]struct{})
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// upgrader configures the WebSocket handshake. CheckOrigin rejects any
// origin not on CORS_ALLOWED_ORIGINS (or the non-production localhost
// defaults), matching the teacher's strict-origin posture.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		var allowedOrigins []string
		if env := os.Getenv("CORS_ALLOWED_ORIGINS"); env != "" {
			allowedOrigins = strings.Split(env, ",")
		} else {
			allowedOrigins = []string{
				"http://localhost:3000",
				"http://127.0.0.1:3000",
			}
		}

		for _, allowed := range allowedOrigins {
			if strings.TrimSpace(allowed) == origin {
				return true
			}
		}
		return origin == "" && os.Getenv("ENVIRONMENT") != "production"
	},
}

// ServeWS upgrades the request to a WebSocket connection and streams
// events matching the run_id/event_types query parameters (both
// optional; absent means unfiltered) until the client disconnects.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.S().Warnw("websocket: upgrade failed", "error", err)
		return
	}

	filter := events.Filter{WorkflowRunID: c.Query("run_id")}
	if types := c.Query("event_types"); types != "" {
		filter.EventTypes = strings.Split(types, ",")
	}

	client := &Client{conn: conn, hub: h, send: make(chan []byte, 64)}
	h.add(client)

	ch, cancel := h.bus.Subscribe(filter)
	go client.forwardEvents(ch)
	go client.writePump()
	client.readPump(cancel)
}
