package progress

import (
	"sync"
	"sync/atomic"

	"github.com/kerixyz/video-streamlit/internal/models"
)

// Kind names a progress event.
type Kind string

const (
	FramesSeen      Kind = "frames_seen"
	FramesSampled   Kind = "frames_sampled"
	FramesDescribed Kind = "frames_described"
	StateChanged    Kind = "state"
	ResultReady     Kind = "result"
)

// Event is a push notification about a running analysis.
type Event struct {
	RunID  string                    `json:"run_id"`
	Kind   Kind                      `json:"kind"`
	Count  int                       `json:"count,omitempty"`
	Total  int                       `json:"total,omitempty"`
	State  string                    `json:"state,omitempty"`
	Result *models.DescriptionResult `json:"result,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a full
// subscription loses its oldest queued event.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a bounded queue of events for one consumer.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	mu      sync.Mutex
	dropped atomic.Int64
}

// Subscribe registers a consumer with room for buffer queued events.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Subscription{bus: b, ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers e to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.offer(e)
	}
}

// Close ends every subscription. Further publishes are ignored.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (s *Subscription) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Events is closed when the bus closes or the subscription is cancelled.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped counts events discarded because the consumer fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscription from its bus.
func (s *Subscription) Cancel() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}
