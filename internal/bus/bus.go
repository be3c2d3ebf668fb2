// Package bus provides the in-process publish/subscribe channel between the
// scheduler, the correlator, and downstream consumers. Delivery is
// per-subscriber buffered; slow consumers never block producers — the oldest
// buffered event is dropped and the subscriber's gap counter incremented,
// since the data is advisory rather than transactional.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/sells-group/signal-engine/internal/model"
)

const defaultBuffer = 256

// Subscription is one consumer's view of a topic.
type Subscription struct {
	bus   *Bus
	topic string
	ch    chan model.Event
	gaps  atomic.Int64

	// sendMu serializes sends against close so a publish racing a cancel
	// can never hit a closed channel.
	sendMu sync.Mutex
	closed atomic.Bool
}

// C returns the event channel. It is closed when the subscription is
// cancelled or the bus shuts down.
func (s *Subscription) C() <-chan model.Event { return s.ch }

// Gaps reports how many events were dropped because this subscriber fell
// behind. A nonzero value means the stream has holes.
func (s *Subscription) Gaps() int64 { return s.gaps.Load() }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	if s.closed.CompareAndSwap(false, true) {
		s.bus.unsubscribe(s)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	}
}

// deliver sends ev, dropping the oldest buffered event when the buffer is
// full. Safe against concurrent Cancel.
func (s *Subscription) deliver(ev model.Event) (dropped bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.ch <- ev:
		return false
	default:
	}
	// Buffer full: make room, then send. No consumer can race the second
	// send past capacity because sends are serialized by sendMu.
	select {
	case <-s.ch:
		dropped = true
	default:
	}
	select {
	case s.ch <- ev:
	default:
		dropped = true
	}
	return dropped
}

// Bus is an in-process topic-based pub/sub hub.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]*Subscription
	buffer  int
	dropped atomic.Int64
	down    bool
}

// Option configures the bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]*Subscription),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a consumer on topic. The returned subscription must be
// cancelled when done.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		bus:   b,
		topic: topic,
		ch:    make(chan model.Event, b.buffer),
	}
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber of topic without blocking. When a
// subscriber's buffer is full the oldest event is discarded to make room and
// the gap is recorded.
func (b *Bus) Publish(topic string, ev model.Event) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.deliver(ev) {
			sub.gaps.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Dropped reports the total events dropped across all subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close shuts the bus down and closes all subscriber channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.down {
		b.mu.Unlock()
		return
	}
	b.down = true
	subs := b.subs
	b.subs = make(map[string][]*Subscription)
	b.mu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			if sub.closed.CompareAndSwap(false, true) {
				sub.sendMu.Lock()
				close(sub.ch)
				sub.sendMu.Unlock()
			}
		}
	}
}

func (b *Bus) unsubscribe(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[target.topic]
	for i, sub := range list {
		if sub == target {
			b.subs[target.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
}
