package websocket

import (
	"sync"
)

// Hub is the central registry of connected agent nodes. Each node holds
// exactly one persistent connection (agents pull work over it; they are
// never dialed), so the registry is keyed by node ID rather than a
// pub/sub topic set.
//
// # Design: single-writer event loop
//
// All mutations to the registry (register, unregister) are serialised
// through a single goroutine — the Run loop — via channels, and the loop
// takes mu's write lock around each change. Readers (SendTo, Connected,
// ConnectedCount) take the read lock. SendTo holds it only long enough to
// look up the target client, then sends outside the lock to avoid blocking
// the event loop while waiting on a slow connection.
type Hub struct {
	// clients maps node ID to its current connection. A node reconnecting
	// replaces the previous entry; the old connection is torn down.
	clients map[string]*Client

	mu sync.RWMutex

	register   chan *Client
	unregister chan *Client

	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine. It exits when ctx is cancelled (server graceful shutdown).
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[client.nodeID]; ok && old != client {
				close(old.send)
			}
			h.clients[client.nodeID] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[client.nodeID]; ok && cur == client {
				delete(h.clients, client.nodeID)
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for _, client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return
		}
	}
}

// SendTo enqueues env for delivery to nodeID's connection. Returns false if
// the node is not currently connected; env is then dropped, since the hub
// keeps no queue of undelivered messages.
func (h *Hub) SendTo(nodeID string, env *Envelope) bool {
	h.mu.RLock()
	client, ok := h.clients[nodeID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.send <- env:
		return true
	default:
		// The client's send buffer is full — it is too slow to keep up.
		// Disconnect it so a stuck write doesn't wedge the connection.
		h.unregister <- client
		return false
	}
}

// Subscribe registers client with the hub under its node ID.
// Called by the HTTP upgrade handler after the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub.
// Called by the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// Connected reports whether nodeID currently has an open connection.
func (h *Hub) Connected(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[nodeID]
	return ok
}

// ConnectedCount returns the current number of connected nodes. Intended
// for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
