// Package bus is the in-process event bus connecting the capture, inference
// and session pipelines. Publishing never blocks: each subscriber owns a
// bounded queue and the oldest queued event is dropped when it overflows, so
// a stalled consumer can never stall a producer.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("bus: closed")

// DefaultQueueSize bounds a subscriber queue when none is given.
const DefaultQueueSize = 1024

// Event is a single published message.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Bus fans events out to topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's view of the bus. Events arrive on C in
// publish order; Dropped counts events evicted because the queue was full.
type Subscription struct {
	bus     *Bus
	topics  []string
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

func New() *Bus {
	return &Bus{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers a queue of the given size (DefaultQueueSize if size
// is not positive) for one or more topics.
func (b *Bus) Subscribe(size int, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("bus: subscribe needs at least one topic")
	}
	if size <= 0 {
		size = DefaultQueueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &Subscription{
		bus:    b,
		topics: append([]string(nil), topics...),
		ch:     make(chan Event, size),
	}
	for _, topic := range topics {
		set := b.subs[topic]
		if set == nil {
			set = make(map[*Subscription]struct{})
			b.subs[topic] = set
		}
		set[s] = struct{}{}
	}
	return s, nil
}

// Publish delivers data to every subscriber of topic. It never blocks: a
// full subscriber queue loses its oldest event instead.
func (b *Bus) Publish(topic string, data any) error {
	ev := Event{Topic: topic, Time: time.Now(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[topic] {
		s.enqueue(ev)
	}
	return nil
}

// enqueue is called with the bus read lock held, which guarantees the channel
// cannot be closed concurrently (close happens under the write lock).
func (s *Subscription) enqueue(ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: evict the oldest event, then retry once. The retry can
	// still lose when the consumer drains in between, in which case the
	// send succeeds trivially on the next select.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// C is the subscriber's receive channel. It is closed by Unsubscribe and by
// Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were evicted from this subscriber's queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Topics returns the topics this subscription was registered for.
func (s *Subscription) Topics() []string { return append([]string(nil), s.topics...) }

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.removeLocked()
}

func (s *Subscription) removeLocked() {
	for _, topic := range s.topics {
		if set := s.bus.subs[topic]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, topic)
			}
		}
	}
	s.once.Do(func() { close(s.ch) })
}

// Close shuts the bus down, closing every subscriber channel. Publish and
// Subscribe return ErrClosed afterwards. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[*Subscription]struct{})
	for _, set := range b.subs {
		for s := range set {
			seen[s] = struct{}{}
		}
	}
	for s := range seen {
		s.once.Do(func() { close(s.ch) })
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}
