// Package bus fans daemon events out to in-process listeners. Topics are
// dotted strings and a subscription matches by prefix.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 100

type Event struct {
	Topic   string
	Payload any
}

// Subscription receives every event whose topic starts with its prefix.
// Sends never block; when the buffer is full the event is dropped and
// counted.
type Subscription struct {
	prefix  string
	ch      chan Event
	dropped atomic.Int64
}

func (s *Subscription) Ch() <-chan Event { return s.ch }

// Dropped is the number of events lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe matches topicPrefix with the default buffer. "" matches all.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	return b.SubscribeBuffered(topicPrefix, defaultBufferSize)
}

func (b *Bus) SubscribeBuffered(topicPrefix string, size int) *Subscription {
	if size <= 0 {
		size = defaultBufferSize
	}
	sub := &Subscription{prefix: topicPrefix, ch: make(chan Event, size)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe closes the subscription's channel. Repeated calls are no-ops.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

// Publish reports how many subscriptions accepted the event.
func (b *Bus) Publish(topic string, payload any) int {
	ev := Event{Topic: topic, Payload: payload}
	n := 0
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- ev:
			n++
		default:
			sub.dropped.Add(1)
		}
	}
	return n
}

// Close ends every subscription. Subscriptions taken after Close start out
// closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
	}
	clear(b.subs)
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
