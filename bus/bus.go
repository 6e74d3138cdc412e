// Package bus fans out spontaneous data-change events from an
// event-driven driver to any number of subscribers.
package bus

import (
	"sync"

	"fieldlink/driver"
	"fieldlink/logging"
)

// DefaultBuffer is the per-subscriber queue depth when the caller
// does not specify one.
const DefaultBuffer = 64

type subscriber struct {
	id     uint64
	ch     chan driver.DataEvent
	done   chan struct{}
	policy driver.BackpressurePolicy
}

// Bus delivers every published event to all current subscribers, in
// publish order per subscriber. Subscribers see only events published
// after they subscribed; there is no history replay.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	handler driver.DataEventHandler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a new subscriber with its own queue and
// backpressure policy. The returned cancel func releases the
// subscription and closes the channel; it is safe to call twice.
func (b *Bus) Subscribe(opts driver.SubscribeOptions) (<-chan driver.DataEvent, func()) {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &subscriber{
		ch:     make(chan driver.DataEvent, buffer),
		done:   make(chan struct{}),
		policy: opts.Policy,
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Wake a publisher blocked on this subscriber first, then
			// remove and close under the write lock so no send can
			// race the close.
			close(sub.done)
			b.mu.Lock()
			delete(b.subs, sub.id)
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// SetHandler registers the single privileged synchronous callback.
// It runs inline in Publish before any channel fan-out and must stay
// within a small time budget; pass nil to clear it.
func (b *Bus) SetHandler(h driver.DataEventHandler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Publish delivers the event to the handler and every subscriber.
// It suspends only on a full BlockPublisher subscriber; DropOldest
// subscribers never delay delivery to anyone.
func (b *Bus) Publish(ev driver.DataEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.handler != nil {
		b.handler.HandleDataEvent(ev)
	}

	for _, sub := range b.subs {
		switch sub.policy {
		case driver.BlockPublisher:
			select {
			case sub.ch <- ev:
			case <-sub.done:
			}
		default: // DropOldest
			select {
			case sub.ch <- ev:
			default:
				select {
				case <-sub.ch:
					logging.DebugLog("bus", "subscriber %d full, dropped oldest event", sub.id)
				default:
				}
				select {
				case sub.ch <- ev:
				default:
				}
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
