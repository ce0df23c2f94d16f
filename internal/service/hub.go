package service

import (
	"sync"

	"keygate/internal/docstore"
	"keygate/internal/observability/metrics"
)

// Hub fans key-document change events out to the websocket watchers of each
// key. Subscriber channels are buffered; a subscriber that falls behind loses
// intermediate events, never the hub.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan docstore.Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan docstore.Event]struct{})}
}

// Subscribe registers a watcher for keyID. The returned cancel func is
// idempotent and closes the channel.
func (h *Hub) Subscribe(keyID string) (<-chan docstore.Event, func()) {
	ch := make(chan docstore.Event, 8)

	h.mu.Lock()
	set, ok := h.subs[keyID]
	if !ok {
		set = make(map[chan docstore.Event]struct{})
		h.subs[keyID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.subs[keyID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(h.subs, keyID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers ev to every current watcher of keyID.
func (h *Hub) Publish(keyID string, ev docstore.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[keyID] {
		select {
		case ch <- ev:
			metrics.WatchEventsTotal.WithLabelValues("delivered").Inc()
		default:
			metrics.WatchEventsTotal.WithLabelValues("dropped").Inc()
		}
	}
}
