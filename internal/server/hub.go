// Package server coordinates client registration, outbound delivery, and
// connection cleanup for the roomchat WebSocket service via the Hub type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openbound/roomchat/internal/chat"
)

// Hub tracks live WebSocket connections and delivers engine events to them.
// It implements chat.Outbox: the engine addresses connections by id and the
// hub resolves them to send channels. Connection lifecycle (register,
// unregister, shutdown) is serialized through the Run loop; the clients map
// is additionally mutex-protected so Send can run from any goroutine.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	engine     *chat.Engine
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a Hub and the room engine it delivers for. Engine options
// are forwarded, so callers can shorten the grace period or history bound.
func NewHub(opts ...chat.Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.engine = chat.NewEngine(h, opts...)
	return h
}

// Engine returns the room engine backing this hub.
func (h *Hub) Engine() *chat.Engine {
	return h.engine
}

// GetRegisterChan returns the channel used for registering new clients.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used for unregistering clients.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Send delivers one encoded frame to a connection. It satisfies chat.Outbox.
// Delivery is best-effort: frames to unknown, closed, or backlogged
// connections are dropped, never blocked on.
func (h *Hub) Send(connID string, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered from panic in hub send", "panic", r)
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	client, ok := h.clients[connID]
	if !ok || client.closed {
		return
	}

	select {
	case client.send <- frame:
	default:
		slog.Warn("client send buffer full, dropping frame", "conn_id", connID, "addr", client.addr)
	}
}

// Run starts the hub's lifecycle loop, handling client registration and
// unregistration. It should be called in a separate goroutine as it runs
// until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				slog.Warn("received nil client registration, skipping")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			slog.Info("client registered", "addr", client.addr, "conn_id", client.id, "total_clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				// Close the channel after releasing the lock.
				close(client.send)
				slog.Info("client unregistered", "addr", client.addr, "conn_id", client.id, "total_clients", clientCount)
			} else {
				h.mutex.Unlock()
			}
			// Tear down the session after the connection is gone so the
			// departed member never appears in the rosters broadcast here.
			h.engine.Disconnect(client.id)
		}
	}
}

// shutdownClients closes all active client connections.
func (h *Hub) shutdownClients() {
	slog.Info("shutting down all client connections")

	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					slog.Error("error closing client connection", "addr", client.addr, "error", err)
				}
			}
		}
	}

	slog.Info("closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all client
// goroutines to complete, or until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	slog.Info("initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		slog.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
