package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetmesh/orchestrator/internal/events"
	"github.com/fleetmesh/orchestrator/internal/log"
)

// eventHub fans out Event Bus events to connected dashboard clients over
// websocket connections.
type eventHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newEventHub() *eventHub {
	return &eventHub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// pump subscribes to bus and broadcasts every event to connected clients
// until bus is torn down; intended to run for the lifetime of the Server.
func (h *eventHub) pump(bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for ev := range ch {
		h.broadcast(ev)
	}
}

func (h *eventHub) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// client buffer full, drop rather than block the bus consumer
		}
	}
}

func (h *eventHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *eventHub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()
}

func (h *eventHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("httpapi").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 64)}
	h.register(c)
	go c.writePump()
	go c.readPump(h)
}

// readPump drains client frames (none expected) purely to detect
// disconnects and service pong control frames.
func (c *wsClient) readPump(h *eventHub) {
	defer h.unregister(c)
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
