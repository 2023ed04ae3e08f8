// Package eventbus is the in-process publish/subscribe channel that connects
// the order book, the position ledger, the portfolio aggregator and any
// external notification sinks.
//
// Events are dispatched from a single FIFO queue. Whichever goroutine finds
// the bus idle drains the queue, so handlers run one at a time and to
// completion, and an event published from inside a handler is delivered only
// after the current event has reached every subscriber. Delivery is
// at-most-once; nothing is persisted or replayed.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler consumes one event. A returned error is logged by the bus and
// never reaches the publisher.
type Handler func(Event) error

type subscription struct {
	id    int
	kinds map[Kind]bool
	fn    Handler
	ch    chan Event

	chMu   sync.Mutex // orders sends against close
	closed bool
}

// closeChan closes ch once no send is in progress.
func (s *subscription) closeChan() {
	if s.ch == nil {
		return
	}
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus fans events out to subscribers.
type Bus struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	queue    []Event
	draining bool
	seq      uint64
	nextID   int
	subs     []*subscription // registration order
	closed   bool

	dropped atomic.Uint64
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log: log.With("component", "eventbus"),
		now: time.Now,
	}
}

// Subscribe registers fn for the given kinds (all kinds when none are
// given). Handlers are invoked in registration order.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) int {
	return b.add(&subscription{fn: fn, kinds: kindSet(kinds)})
}

// SubscribeChan returns a buffered channel that receives the given kinds.
// Events are dropped when the channel is full so a slow consumer never
// stalls dispatch.
func (b *Bus) SubscribeChan(bufSize int, kinds ...Kind) (int, <-chan Event) {
	if bufSize <= 0 {
		bufSize = 1
	}
	ch := make(chan Event, bufSize)
	id := b.add(&subscription{ch: ch, kinds: kindSet(kinds)})
	return id, ch
}

func (b *Bus) add(s *subscription) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.id = b.nextID
	b.nextID++
	if b.closed {
		s.closeChan()
		return s.id
	}
	b.subs = append(b.subs, s)
	return s.id
}

// Unsubscribe removes a subscription and closes its channel, if any.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id != id {
			continue
		}
		b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
		s.closeChan()
		return
	}
}

// Publish stamps e with a sequence number and queues it for delivery. If no
// other goroutine is dispatching, the calling goroutine drains the queue
// before returning.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.queue = append(b.queue, e)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue[0] = Event{}
		b.queue = b.queue[1:]
		targets := b.targetsLocked(next.Kind)
		b.mu.Unlock()

		b.deliver(next, targets)

		b.mu.Lock()
	}
	b.queue = nil
	b.draining = false
	b.mu.Unlock()
}

// Dropped returns how many events were discarded because a channel
// subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops delivery and closes all channel subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		s.closeChan()
	}
	b.subs = nil
	b.queue = nil
}

// targetsLocked snapshots the subscribers for k. Must be called with mu held.
func (b *Bus) targetsLocked(k Kind) []*subscription {
	out := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(k) {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) deliver(e Event, targets []*subscription) {
	for _, s := range targets {
		if s.ch != nil {
			b.send(s, e)
			continue
		}
		if err := b.invoke(s.fn, e); err != nil {
			b.log.Error("event handler failed", "kind", e.Kind, "seq", e.Seq, "subscriber", s.id, "error", err)
		}
	}
}

// send is non-blocking. A subscription removed while the event was in
// dispatch is skipped.
func (b *Bus) send(s *subscription, e Event) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		b.dropped.Add(1)
		b.log.Warn("subscriber queue full, dropping event", "kind", e.Kind, "subscriber", s.id)
	}
}

func (b *Bus) invoke(fn Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(e)
}

func kindSet(kinds []Kind) map[Kind]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}
