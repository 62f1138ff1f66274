// Package live streams incident change events to connected UI clients
// over websockets. Every client only sees events of its own facility.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/sterility-garden/internal/pkg/httputil"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventConnected is sent to a client right after the upgrade.
const EventConnected = "connected"

const defaultSendBuffer = 64

// Config configures the hub.
type Config struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	// AllowedOrigins restricts browser origins. Empty or "*" allows any.
	AllowedOrigins []string
}

// Event is the frame written to clients.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	id         string
	facilityID string
	conn       *websocket.Conn
	send       chan []byte
}

// Hub tracks websocket clients per facility and fans events out to them.
type Hub struct {
	config   Config
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool
}

// NewHub creates a hub.
func NewHub(config Config) *Hub {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 4096
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	h := &Hub{
		config:  config,
		now:     time.Now,
		clients: make(map[string]map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades an authenticated request to a websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	facilityID := httputil.GetFacilityID(r.Context())
	if facilityID == "" {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		httputil.Error(w, http.StatusServiceUnavailable, "live feed is shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("websocket upgrade failed", "facility_id", facilityID, "error", err)
		return
	}

	c := &client{
		id:         uuid.NewString(),
		facilityID: facilityID,
		conn:       conn,
		send:       make(chan []byte, h.config.SendBuffer),
	}
	if data, err := h.encode(EventConnected, map[string]string{"client_id": c.id}); err == nil {
		c.send <- data
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// Publish sends an event to every client of the facility. Clients whose
// buffer is full are disconnected.
func (h *Hub) Publish(facilityID, eventType string, data any) {
	payload, err := h.encode(eventType, data)
	if err != nil {
		slog.Error("failed to encode live event", "type", eventType, "error", err)
		return
	}

	var slow []*client

	h.mu.RLock()
	for c := range h.clients[facilityID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	liveEventsPublished.WithLabelValues(eventType).Inc()

	for _, c := range slow {
		slog.Warn("dropping slow live client", "client_id", c.id, "facility_id", c.facilityID)
		liveClientsDropped.Inc()
		h.unregister(c)
	}
}

// ClientCount returns the number of clients connected for a facility.
func (h *Hub) ClientCount(facilityID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[facilityID])
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for facilityID, set := range h.clients {
		for c := range set {
			close(c.send)
		}
		delete(h.clients, facilityID)
	}
	liveClients.Set(0)
}

func (h *Hub) encode(eventType string, data any) ([]byte, error) {
	return json.Marshal(Event{Type: eventType, Data: data, Timestamp: h.now().UTC()})
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	set, ok := h.clients[c.facilityID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.facilityID] = set
	}
	set[c] = struct{}{}
	liveClients.Inc()

	slog.Debug("live client connected", "client_id", c.id, "facility_id", c.facilityID)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[c.facilityID]
	if _, ok := set[c]; !ok {
		return
	}

	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.facilityID)
	}
	close(c.send)
	liveClients.Dec()

	slog.Debug("live client disconnected", "client_id", c.id, "facility_id", c.facilityID)
}

// readPump only consumes control frames; clients do not send commands.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	readTimeout := h.config.PingInterval + h.config.WriteTimeout

	c.conn.SetReadLimit(h.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("live client read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
