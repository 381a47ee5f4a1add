package lifecycle

import (
	"sync"

	"cryptoops/internal/model"
)

// heldFill is an order that executed but whose position write did not
// land. It is completed before any new order is placed for the key.
type heldFill struct {
	order    model.OrderResult
	trade    model.TradeResult
	recorded bool
}

type fillSlot struct {
	mu   sync.Mutex
	held map[string]heldFill
}

func newFillSlot() *fillSlot {
	return &fillSlot{held: make(map[string]heldFill)}
}

func (s *fillSlot) get(key string) (heldFill, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.held[key]
	return h, ok
}

func (s *fillSlot) put(key string, h heldFill) {
	s.mu.Lock()
	s.held[key] = h
	s.mu.Unlock()
}

func (s *fillSlot) drop(key string) {
	s.mu.Lock()
	delete(s.held, key)
	s.mu.Unlock()
}
