package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/carpo/internal/common"
	"github.com/ternarybob/carpo/internal/interfaces"
	"github.com/ternarybob/carpo/internal/models"
	"golang.org/x/time/rate"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // local tooling connects cross-origin
	},
}

// WebSocketHandler streams bus events to connected clients. Each
// connection has its own write mutex; a slow client never blocks the
// emitting goroutine on another connection.
type WebSocketHandler struct {
	logger           arbor.ILogger
	bus              interfaces.EventBus
	mu               sync.RWMutex
	clients          map[*websocket.Conn]*sync.Mutex
	allowed          map[models.EventType]bool
	throttlers       map[models.EventType]*rate.Limiter
	serverInstanceID string
	subID            string
}

// NewWebSocketHandler subscribes to the bus and applies the configured
// event whitelist and per-type throttling.
func NewWebSocketHandler(bus interfaces.EventBus, config *common.EventsConfig, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		bus:              bus,
		clients:          make(map[*websocket.Conn]*sync.Mutex),
		allowed:          make(map[models.EventType]bool),
		throttlers:       make(map[models.EventType]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil {
		for _, t := range config.WSAllowedEvents {
			h.allowed[models.EventType(t)] = true
		}
		for t, intervalMS := range config.WSThrottleMS {
			if intervalMS <= 0 {
				continue
			}
			interval := time.Duration(intervalMS) * time.Millisecond
			h.throttlers[models.EventType(t)] = rate.NewLimiter(rate.Every(interval), 1)
		}
	}

	h.subID = bus.Subscribe(h.broadcast)
	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket handles GET /ws/events.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Msg("WebSocket client connected")

	// Clients use the instance id to detect server restarts and
	// resubscribe their event filters.
	h.writeTo(conn, map[string]interface{}{
		"event_type":         "connected",
		"server_instance_id": h.serverInstanceID,
	})

	// Inbound messages are ignored; the read loop only detects
	// disconnects.
	go func() {
		defer h.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *WebSocketHandler) broadcast(event models.Event) {
	if len(h.allowed) > 0 && !h.allowed[event.Type] {
		return
	}
	if limiter, ok := h.throttlers[event.Type]; ok && !limiter.Allow() {
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if !h.writeTo(conn, event.ToMap()) {
			h.remove(conn)
		}
	}
}

func (h *WebSocketHandler) writeTo(conn *websocket.Conn, payload map[string]interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return true
	}

	h.mu.RLock()
	lock, ok := h.clients[conn]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	lock.Lock()
	defer lock.Unlock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data) == nil
}

func (h *WebSocketHandler) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug().Int("clients", count).Msg("WebSocket client disconnected")
}

// ClientCount reports the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and drops every connection.
func (h *WebSocketHandler) Close() {
	h.bus.Unsubscribe(h.subID)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
}
