package process

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. Publish applies
// backpressure rather than dropping events once it fills.
const subscriberBuffer = 256

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Broadcaster fans one event feed out to any number of subscribers. It is
// used where several callers share one long-lived process, such as the
// non-isolated interpreter.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// Subscribe registers a new subscriber. The cancel function detaches it and
// unblocks any publisher waiting on its channel.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	sub := &subscriber{
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	b.subs[id] = sub
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.done)
			delete(b.subs, id)
		}
	}
	return sub.ch, cancel
}

// Publish delivers ev to every current subscriber. It satisfies EventSink.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}
