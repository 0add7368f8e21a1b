// Package fills merges push and poll fill sightings into one observation stream.
package fills

import (
	"sync"

	"order_engine/internal/models"
)

// Hub fans fill observations out to subscribers. Publish never blocks; a slow
// subscriber loses observations and catches up by polling.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

type subscription struct {
	symbol string
	ch     chan models.FillObservation
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]subscription)}
}

// Subscribe registers for observations on symbol ("" for all). Call the returned
// func to unsubscribe; it closes the channel.
func (h *Hub) Subscribe(symbol string, buffer int) (<-chan models.FillObservation, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan models.FillObservation, buffer)
	h.subs[id] = subscription{symbol: symbol, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Publish(obs models.FillObservation) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.symbol != "" && s.symbol != obs.Symbol {
			continue
		}
		select {
		case s.ch <- obs:
		default:
		}
	}
}
