package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Filter selects which events a subscriber receives. A nil Filter accepts all.
type Filter func(Event) bool

// ForTenant accepts events of a single tenant.
func ForTenant(tenantID string) Filter {
	return func(ev Event) bool { return ev.TenantID == tenantID }
}

// subscriber is a named tap on the event stream.
type subscriber struct {
	name    string
	ch      chan Event
	filter  Filter
	dropped atomic.Uint64
}

// Bus fans each published event out to every subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    uint64
	closed    bool
	closeOnce sync.Once
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a named subscriber with the given buffer size. The
// returned cancel func unsubscribes and closes the channel.
func (b *Bus) Subscribe(name string, buffer int, filter Filter) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{name: name, ch: make(chan Event, buffer), filter: filter}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	slog.Debug("EventBus Subscribe succeeded", "subscriber", name, "buffer", buffer)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			slog.Warn("EventBus subscriber slow, event dropped", "subscriber", sub.name, "kind", ev.Kind, "tenant", ev.TenantID)
		}
	}
}

// Dropped returns how many events the named subscriber has missed.
func (b *Bus) Dropped(name string) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, sub := range b.subs {
		if sub.name == name {
			n += sub.dropped.Load()
		}
	}
	return n
}

// Listener adapts the bus to an events.Listener.
func (b *Bus) Listener() Listener {
	return b.Publish
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.closed = true
		for id, sub := range b.subs {
			close(sub.ch)
			delete(b.subs, id)
		}
		slog.Debug("EventBus closed")
	})
}
