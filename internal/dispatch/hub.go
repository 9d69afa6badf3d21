package dispatch

import (
	"context"
	"sync"
)

// Hub tracks open connections so they can be closed on shutdown.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub { return &Hub{conns: make(map[string]*Conn)} }

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
}

func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID())
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every tracked connection and waits for their write pumps
// to exit or ctx to end.
func (h *Hub) CloseAll(ctx context.Context) error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		select {
		case <-c.Exited():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
