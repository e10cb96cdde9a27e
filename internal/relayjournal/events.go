package relayjournal

import (
	"sync"
	"time"
)

// Published describes a message that reached the journal. Recovered is set
// when a write reported as failed turned out to have landed.
type Published struct {
	MessageID string    `json:"messageId"`
	Source    SourceRef `json:"source"`
	Path      string    `json:"path"`
	Version   string    `json:"version"`
	Line      string    `json:"line"`
	Recovered bool      `json:"recovered,omitempty"`
	At        time.Time `json:"at"`
}

type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Published
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[int]chan Published{}}
}

func (h *eventHub) subscribe(buffer int) (<-chan Published, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Published, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

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

// publish never blocks; a subscriber that falls behind misses events.
func (h *eventHub) publish(event Published) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
