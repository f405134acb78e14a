package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"isxlicense/internal/infrastructure"
	"isxlicense/pkg/contracts/domain"
	"isxlicense/pkg/contracts/events"
)

// Hub fans license status messages out to connected GUI clients. The last
// status is replayed to every client that connects so a fresh window never
// has to wait for the next change.
type Hub struct {
	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu   sync.RWMutex
	last []byte

	logger  *slog.Logger
	metrics *Metrics

	done chan struct{}
}

// NewHub creates a hub. metrics may be nil.
func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 16),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		done:       make(chan struct{}),
	}
}

// Run serves register, unregister and broadcast until ctx is done, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		h.logger.Info("hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			last := h.last
			h.mu.Unlock()

			h.metrics.connected(ctx)
			h.logger.InfoContext(ctx, "client registered",
				slog.String("client_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total_clients", count))

			if data, err := json.Marshal(events.WebSocketMessage{
				BaseMessage: events.BaseMessage{ID: c.id, Type: events.MessageTypeConnect, Timestamp: time.Now().UTC()},
			}); err == nil {
				h.deliver(ctx, c, data)
			}
			if last != nil {
				h.deliver(ctx, c, last)
			}

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if ok {
				h.metrics.disconnected(ctx)
				h.logger.InfoContext(ctx, "client unregistered",
					slog.String("client_id", c.id),
					slog.Int("total_clients", count),
					slog.Duration("connection_duration", time.Since(c.connectedAt)))
			}

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			sent := 0
			for _, c := range clients {
				if h.deliver(ctx, c, msg) {
					sent++
				}
			}
			h.metrics.sent(ctx, string(events.MessageTypeLicenseStatus), sent)
		}
	}
}

// deliver queues msg for c, dropping the client when its buffer is full.
func (h *Hub) deliver(ctx context.Context, c *Client, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	h.metrics.dropped(ctx)
	h.metrics.disconnected(ctx)
	h.logger.WarnContext(ctx, "client send buffer full, disconnecting",
		slog.String("client_id", c.id))
	return false
}

// PublishStatus broadcasts status and remembers it for clients that
// connect later. It never blocks once the hub has stopped.
func (h *Hub) PublishStatus(status domain.LicenseStatus) {
	data, err := json.Marshal(events.NewStatusMessage(uuid.NewString(), status))
	if err != nil {
		h.logger.Error("failed to marshal status message", slog.String("error", err.Error()))
		return
	}

	h.mu.Lock()
	h.last = data
	h.mu.Unlock()

	select {
	case h.broadcast <- data:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve registers conn and starts its pumps. It returns immediately.
func (h *Hub) Serve(conn Connection, traceID string) {
	c := newClient(h, conn, traceID)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.WritePump()
	go c.ReadPump()
}
