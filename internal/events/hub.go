package events

import (
	"context"
	"sync"
)

// Hub fans appended events out to in-process subscribers. A subscriber that
// falls behind loses events rather than blocking the producer; it can catch
// up with Log.List using the last seq it saw.
type Hub struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	buf  int
}

var _ Publisher = (*Hub)(nil)

func NewHub(buf int) *Hub {
	if buf <= 0 {
		buf = 64
	}
	return &Hub{subs: map[*Subscription]struct{}{}, buf: buf}
}

type Subscription struct {
	C <-chan Event

	ch    chan Event
	jobID string
	hub   *Hub
	once  sync.Once
}

// Subscribe to one job's events, or every job's when jobID is empty.
func (h *Hub) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, h.buf)
	s := &Subscription{C: ch, ch: ch, jobID: jobID, hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.jobID != "" && s.jobID != e.JobID {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
	return nil
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
