package ingest

import "sync"

// subscriberBuffer is how many events a slow subscriber may lag behind.
// Beyond it the oldest pending events are dropped.
const subscriberBuffer = 64

// hub fans the events of one job out to any number of subscribers.
// A subscriber always receives the latest event at subscription time and the terminal event.
type hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	last   Event
	has    bool
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[int]chan Event)}
}

// publish delivers e to every subscriber without blocking.
// A terminal event closes all subscriptions.
func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.last, h.has = e, true
	for _, ch := range h.subs {
		deliver(ch, e)
	}
	if e.Terminal() {
		h.closed = true
		for id, ch := range h.subs {
			close(ch)
			delete(h.subs, id)
		}
	}
}

// deliver sends e, dropping the oldest buffered events until it fits.
// The hub is the only sender, so the loop ends.
func deliver(ch chan Event, e Event) {
	for {
		select {
		case ch <- e:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// subscribe returns a channel replaying the latest event followed by later ones.
// The channel is closed after the terminal event or when cancel is called.
func (h *hub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if h.has {
		ch <- h.last
	}
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// subscribers returns the number of open subscriptions.
func (h *hub) subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
