package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
//
// Events from a single publishing goroutine reach each subscriber in publish
// order. Callers that need a state mutation to happen-before its notification
// publish only after the mutation has been applied.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace string
	ch        chan Event
	lossless  bool
	done      chan struct{}
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of evt.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if strings.HasPrefix(string(evt.Kind), sub.namespace) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.lossless {
			select {
			case sub.ch <- evt:
			case <-sub.done:
			}
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop event if subscriber is full (non-blocking).
		}
	}
}

// Subscribe returns a channel that receives events matching the given namespace prefix.
// bufSize controls the channel buffer. Returns the channel and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, false)
}

// SubscribeLossless is like Subscribe but the publisher waits for buffer space
// instead of dropping. The consumer must keep draining until it unsubscribes.
func (b *Bus) SubscribeLossless(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(namespace, bufSize, true)
}

func (b *Bus) subscribe(namespace string, bufSize int, lossless bool) (<-chan Event, func()) {
	sub := &subscription{
		namespace: namespace,
		ch:        make(chan Event, bufSize),
		lossless:  lossless,
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}
