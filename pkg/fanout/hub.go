package fanout

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub delivers updates to in-process subscribers, one buffered channel per
// subscription. Publishing never blocks: when a subscriber's buffer is
// full the update is dropped for that subscriber and counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Update // matchID -> subscriber id -> channel
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]chan Update)}
}

// Subscribe registers for one match's updates. The returned cancel
// function is idempotent and closes the channel.
func (h *Hub) Subscribe(matchID string, buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	if h.subs[matchID] == nil {
		h.subs[matchID] = make(map[int]chan Update)
	}
	h.subs[matchID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.subs[matchID]; ok {
				if _, live := subs[id]; live {
					delete(subs, id)
					close(ch)
					if len(subs) == 0 {
						delete(h.subs, matchID)
					}
				}
			}
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Send implements Sink. It never blocks and never fails.
func (h *Hub) Send(ctx context.Context, u Update) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for _, ch := range h.subs[u.MatchID] {
		select {
		case ch <- u:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Dropped reports how many updates were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close terminates every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for matchID, subs := range h.subs {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.subs, matchID)
	}
}
