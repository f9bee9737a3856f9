// Package stream delivers the gateway's completed audit entries to live
// subscribers. Delivery is best-effort: a subscriber that cannot keep up
// loses frames rather than stalling the request path.
package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is one frame on the live feed. Seq increases monotonically per hub,
// so a consumer can detect the gaps left by dropped frames.
type Event struct {
	Kind string          `json:"kind"`
	Seq  uint64          `json:"seq"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Subscriber is one attached consumer. Close detaches it from the hub and
// closes the events channel; closing twice is a no-op.
type Subscriber struct {
	hub  *Hub
	ch   chan Event
	once sync.Once
}

func (s *Subscriber) Events() <-chan Event { return s.ch }

func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.detach(s)
		close(s.ch)
	})
}

type Hub struct {
	mu   sync.Mutex
	seq  uint64
	subs map[*Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[*Subscriber]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &Subscriber{hub: h, ch: make(chan Event, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) detach(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// Publish stamps the payload with the next sequence number and fans it out.
// A payload that cannot be marshaled is delivered without data.
func (h *Hub) Publish(kind string, payload any) Event {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	evt := Event{Kind: kind, Seq: h.seq, At: time.Now().UTC(), Data: raw}
	for sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
		}
	}
	return evt
}
