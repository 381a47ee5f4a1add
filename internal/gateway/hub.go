// Package gateway is the HTTP and websocket surface: operation-config
// endpoints, ledger reads and the per-user session socket.
package gateway

import (
	"log"
	"sync"
)

// Hub tracks connected websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	OnClients func(n int)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[gateway] ws client connected user=%s (%d total)", c.sess.UserID, n)
	h.changed(n)
}

// remove drops c; it reports false if c was already gone.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		log.Printf("[gateway] ws client disconnected user=%s (%d left)", c.sess.UserID, n)
		h.changed(n)
	}
	return ok
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll closes every client connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) changed(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}
