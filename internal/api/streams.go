package api

import "sync"

// streamEvent is one named SSE payload for an account's stream
type streamEvent struct {
	Name string
	Data interface{}
}

// Hub fans named events out to the SSE streams of each account. Slow
// consumers miss intermediate events rather than blocking publishers.
type Hub struct {
	mu     sync.Mutex
	nextID int64
	subs   map[string]map[int64]chan streamEvent
}

// NewHub creates an empty stream hub
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int64]chan streamEvent)}
}

// Subscribe opens a stream for one account, returning the event channel
// and a cancel func.
func (h *Hub) Subscribe(accountID string) (<-chan streamEvent, func()) {
	ch := make(chan streamEvent, 16)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	m, ok := h.subs[accountID]
	if !ok {
		m = make(map[int64]chan streamEvent)
		h.subs[accountID] = m
	}
	m[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if m, ok := h.subs[accountID]; ok {
			if _, live := m[id]; live {
				delete(m, id)
				close(ch)
			}
			if len(m) == 0 {
				delete(h.subs, accountID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Broadcast pushes a named event to every stream of an account
func (h *Hub) Broadcast(accountID, name string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[accountID] {
		select {
		case ch <- streamEvent{Name: name, Data: data}:
		default: // drop for slow consumers
		}
	}
}

// SubscriberCount returns the open stream count for an account
func (h *Hub) SubscriberCount(accountID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[accountID])
}
