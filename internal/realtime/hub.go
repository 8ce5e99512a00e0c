package realtime

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sovsapp/enroll/internal/workflow"
	"github.com/sovsapp/enroll/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	defaultBufferSize = 16
)

// Message is the JSON payload delivered to connected clients on every step
// change of their flow.
type Message struct {
	Event   string        `json:"event"`
	FlowID  string        `json:"flow_id"`
	Step    workflow.Step `json:"step"`
	Version uint64        `json:"version"`
}

// Hub fans workflow step changes out to the websocket connections watching
// each flow. A connection watches exactly one flow, established at upgrade
// time from its validated token.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]map[*connection]struct{}
	upgrader    websocket.Upgrader
	log         *zap.Logger
}

// NewHub constructs a hub.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]map[*connection]struct{}),
		log:         logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// Run pumps step-change events from the manager into the hub until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context, manager *workflow.Manager) {
	events, cancel := manager.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(event)
		}
	}
}

// Serve upgrades the HTTP connection and registers it against the flow.
func (h *Hub) Serve(flowID string, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &connection{
		hub:    h,
		socket: conn,
		flowID: flowID,
		send:   make(chan Message, defaultBufferSize),
	}
	h.register(client)

	go client.writeLoop()
	client.readLoop()
}

// Broadcast delivers a step-change event to every connection watching the flow.
func (h *Hub) Broadcast(event workflow.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.connections[event.FlowID]
	if len(targets) == 0 {
		return
	}

	message := Message{
		Event:   "step_changed",
		FlowID:  event.FlowID,
		Step:    event.Step,
		Version: event.Version,
	}
	for client := range targets {
		select {
		case client.send <- message:
		default:
			h.log.Warn("dropping backpressured client", zap.String("flow_id", client.flowID))
			go client.close()
		}
	}
}

func (h *Hub) register(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connections[client.flowID] == nil {
		h.connections[client.flowID] = make(map[*connection]struct{})
	}
	h.connections[client.flowID][client] = struct{}{}
}

func (h *Hub) unregister(client *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.connections[client.flowID]
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.connections, client.flowID)
	}
}

type connection struct {
	hub    *Hub
	socket *websocket.Conn
	flowID string
	send   chan Message
	once   sync.Once
}

// readLoop drains client frames to keep pong handling alive; clients send no
// meaningful data on this stream.
func (c *connection) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *connection) writeLoop() {
	defer c.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.send)
		_ = c.socket.Close()
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
