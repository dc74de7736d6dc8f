package realtime

import "sync"

type subscriber struct {
	ch   chan Snapshot
	last int64
}

// Hub fans document changes out to per-path subscribers. Each subscriber
// holds at most one pending snapshot and only ever moves forward in revision.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Snapshot]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Snapshot]*subscriber)}
}

func (h *Hub) Subscribe(path string) (chan Snapshot, func()) {
	sub := &subscriber{ch: make(chan Snapshot, 1), last: -1}

	h.mu.Lock()
	if h.subs[path] == nil {
		h.subs[path] = make(map[chan Snapshot]*subscriber)
	}
	h.subs[path][sub.ch] = sub
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[path], sub.ch)
			if len(h.subs[path]) == 0 {
				delete(h.subs, path)
			}
			close(sub.ch)
		})
	}
}

// Seed delivers the initial snapshot to a freshly subscribed channel.
func (h *Hub) Seed(ch chan Snapshot, snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[snap.Path][ch]; ok {
		sub.deliver(snap)
	}
}

func (h *Hub) Publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[snap.Path] {
		sub.deliver(snap)
	}
}

func (h *Hub) Subscribers(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[path])
}

// deliver must be called with the hub lock held.
func (s *subscriber) deliver(snap Snapshot) {
	if snap.Revision <= s.last {
		return
	}
	s.last = snap.Revision
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	default:
	}
}
