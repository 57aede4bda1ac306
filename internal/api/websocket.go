package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iotix/device-engine/internal/device"
	"github.com/iotix/device-engine/internal/infrastructure/config"
	"github.com/iotix/device-engine/internal/infrastructure/logging"
)

// Frame types pushed to stream clients.
const (
	FrameDeviceEvent = "device_event"
	FrameEngineStats = "engine_stats"
)

// eventFrame is one device/group event on the wire.
type eventFrame struct {
	Type string `json:"type"`
	device.Event
}

// statsFrame is one periodic engine snapshot on the wire.
type statsFrame struct {
	Type string `json:"type"`
	device.Stats
}

// Hub fans engine events out to connected WebSocket clients.
//
// The stream is push-only: clients receive device_event and
// engine_stats frames; inbound frames are drained but never
// interpreted. A client whose send buffer fills is dropped rather than
// allowed to stall the broadcast.
type Hub struct {
	cfg    config.StreamConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

// wsClient is one connected stream consumer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// upgrader configures the WebSocket upgrader. Origin checking is
// handled by the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// NewHub creates a new event stream hub.
func NewHub(cfg config.StreamConfig, logger *logging.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every
// client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// BroadcastEvent pushes one device/group event to every client. Wire
// into the manager with Manager.Subscribe(hub.BroadcastEvent); it runs
// on the emitting goroutine and never blocks.
func (h *Hub) BroadcastEvent(ev device.Event) {
	h.broadcast(eventFrame{Type: FrameDeviceEvent, Event: ev})
}

// BroadcastStats pushes the periodic engine snapshot to every client.
func (h *Hub) BroadcastStats(s device.Stats) {
	h.broadcast(statsFrame{Type: FrameEngineStats, Stats: s})
}

func (h *Hub) broadcast(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshalling stream frame", "error", err)
		return
	}

	// Snapshot the client list under the hub lock, release before
	// sending.
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if !c.trySend(data) {
			// Slow client: drop the connection, not the broadcast.
			h.logger.Warn("dropping slow stream client")
			h.unregister(c)
		}
	}
}

// trySend attempts a non-blocking send. Returns false when the buffer
// is full; absorbs the panic if another goroutine closed the channel
// mid-broadcast.
func (c *wsClient) trySend(data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true // Channel already closed; nothing left to drop
		}
	}()

	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "clients", h.ClientCount())
}

// unregister removes a client. Only the goroutine that removes the
// client from the map closes the send channel, preventing double-close
// panics during shutdown.
func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if existed {
		close(c.send)
	}
}

// closeAll disconnects all clients so their write pumps exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		close(c.send)
		c.conn.Close() //nolint:errcheck // Best-effort close at shutdown
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the HTTP connection and attaches it to the
// hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "event stream is disabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, s.hub.cfg.SendBuffer),
	}
	s.hub.register(c)

	go c.writePump(s.stream)
	go c.readPump(s.stream)
}

// readPump drains inbound frames for close/ping control. No client
// message is interpreted.
func (c *wsClient) readPump(cfg config.StreamConfig) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close() //nolint:errcheck // Connection teardown
	}()

	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Any inbound frame resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	}
}

// writePump forwards broadcast frames and keeps the connection alive
// with protocol pings.
func (c *wsClient) writePump(cfg config.StreamConfig) {
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = 10 * time.Second
	}

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close() //nolint:errcheck // Connection teardown
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// Hub closed the channel
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
