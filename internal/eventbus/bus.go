package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a small in-process signal.
//
// Publish never blocks; subscribers get buffered channels and slow ones drop
// events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by oppcast components.
const (
	DeliveryDelivered = "broadcast.delivered"
	DeliveryAlready   = "broadcast.already_delivered"
	DeliveryFailed    = "broadcast.failed"
	BroadcastDone     = "broadcast.done"

	PollCompleted = "feed.poll_completed"
	PollFailed    = "feed.poll_failed"

	WebhookHandled = "webhook.handled"

	DestinationAdded   = "membership.added"
	DestinationRemoved = "membership.removed"
)

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock while sending so unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
