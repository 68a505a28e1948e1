package gateway

import (
	"sync"
)

// Hub is the connection registry: connection id to active client, plus each
// client's channel subscriptions. Safe for concurrent insert/remove as
// connections open and close independently of event delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates an empty registry.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues raw for every client subscribed to channel. Clients whose
// send buffer is full are skipped rather than blocking delivery to the rest.
func (h *Hub) Broadcast(channel Channel, raw []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for _, c := range h.clients {
		if !c.subscribed(channel) {
			continue
		}
		select {
		case c.send <- raw:
			sent++
		default:
		}
	}
	return sent
}

// closeAll disconnects every client; used at shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}
