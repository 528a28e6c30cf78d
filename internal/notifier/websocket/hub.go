// Package websocket pushes risk events to connected dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/newthinker/riskguard/internal/core"
	"github.com/newthinker/riskguard/internal/notifier"
	"go.uber.org/zap"
)

// Hub tracks connected clients and broadcasts events to them. It doubles as
// the "websocket" notifier channel and as the /ws HTTP handler.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	enabled bool
	filter  notifier.Filter

	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once

	mu      sync.RWMutex
	dropped atomic.Int64
}

// NewHub creates a hub. allowedOrigins empty or containing "*" accepts any origin.
func NewHub(allowedOrigins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		logger:     logger,
		enabled:    true,
		filter:     notifier.AllEvents,
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
	check := originChecker(allowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return check(r.Header.Get("Origin"))
		},
	}
	return h
}

func originChecker(allowed []string) func(origin string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" {
			return func(string) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(string) bool { return true }
	}
	return func(origin string) bool {
		if origin == "" {
			return true // non-browser clients
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Enabled() bool { return h.enabled }

func (h *Hub) ShouldHandle(event core.RiskEvent) bool {
	if h.filter == nil {
		return true
	}
	return h.filter(event)
}

// Init applies channel config. Unlike the other channels an empty event
// list forwards every event, balance updates included.
func (h *Hub) Init(cfg notifier.Config) error {
	h.enabled = cfg.IsEnabled()
	if len(cfg.Events) > 0 {
		h.filter = cfg.Filter()
	}
	if origins := cfg.Strings("allowed_origins"); len(origins) > 0 {
		check := originChecker(origins)
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			return check(r.Header.Get("Origin"))
		}
	}
	return nil
}

// Send queues event for broadcast. A full queue drops the message.
func (h *Hub) Send(ctx context.Context, event core.RiskEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case h.broadcast <- payload:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Run processes registrations and broadcasts until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", zap.Int("clients", n))

		case c := <-h.unregister:
			h.remove(c)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			var slow []*client
			for _, c := range clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			for _, c := range slow {
				h.remove(c)
			}
			if len(slow) > 0 {
				h.logger.Warn("removed slow websocket clients", zap.Int("count", len(slow)))
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	})
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "websocket hub stopped", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{hub: h, conn: conn, send: make(chan []byte, clientSendBufferSize)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages returns how many events were dropped on a full queue.
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
