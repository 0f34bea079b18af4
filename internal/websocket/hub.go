// Package websocket streams license lifecycle events to admin dashboards.
//
// The Hub implements license.EventPublisher. Publishing never blocks the
// caller: a full broadcast queue drops the event, and a client whose send
// buffer is full is disconnected.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"licensed/internal/infrastructure"
	"licensed/internal/license"
)

const (
	TypeConnection = "connection"

	broadcastBuffer = 256
)

// Message is the envelope written to every client.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	Dropped          int64 `json:"dropped"`
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	dropped          atomic.Int64

	quit     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewHub creates a new Hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns when ctx is done or Stop is called,
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.quit:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.totalConnections.Add(1)

			h.logger.Info("client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			h.sendTo(client, Message{
				Type:      TypeConnection,
				Data:      map[string]string{"status": "connected", "client_id": client.id},
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})

		case client := <-h.unregister:
			h.remove(client, "client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
					h.messagesSent.Add(1)
				default:
					h.remove(client, "client send buffer full, disconnecting")
				}
			}
		}
	}
}

// Stop ends Run and waits for it to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
	<-h.done
}

// Publish implements license.EventPublisher.
func (h *Hub) Publish(ev license.Event) {
	data, err := json.Marshal(Message{
		Type:      string(ev.Type),
		Data:      ev,
		Timestamp: ev.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("failed to marshal event", slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, event dropped",
			slog.String("event", string(ev.Type)),
			slog.String("key", infrastructure.MaskKey(ev.Key)))
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	return Stats{
		ActiveClients:    h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		Dropped:          h.dropped.Load(),
	}
}

func (h *Hub) sendTo(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client buffer full, connection message not sent",
			slog.String("client_id", client.id))
	}
}

func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info(reason,
		slog.Int("total_clients", count),
		slog.String("client_id", client.id),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.logger.Info("hub shutting down")
}
