// Package bus is an in-process pub/sub channel for session lifecycle events.
// Registries publish; observers (metrics, logging) subscribe by topic prefix.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscription queue length used by Subscribe.
const DefaultBuffer = 128

type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to subscriptions. Publish never blocks: a subscriber
// that falls behind loses events instead of stalling the publisher.
// A nil *Bus is valid: it discards everything, and its subscriptions come
// back already closed.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe is SubscribeBuffered with DefaultBuffer.
func (b *Bus) Subscribe(prefix string) *Subscription {
	return b.SubscribeBuffered(prefix, DefaultBuffer)
}

// SubscribeBuffered registers a subscription for topics starting with prefix.
// An empty prefix matches everything.
func (b *Bus) SubscribeBuffered(prefix string, size int) *Subscription {
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &Subscription{prefix: prefix, ch: make(chan Event, size)}
	if b == nil {
		close(sub.ch)
		return sub
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
