// Package fanout propagates ledger change events to in-process subscribers.
package fanout

import (
	"sync"

	"github.com/R4f0so/quiz-corp/internal/domain"
)

const subscriberBuffer = 32

type subscriber struct {
	ch     chan domain.ChangeEvent
	tables map[string]struct{}
}

func (s *subscriber) wants(table string) bool {
	if len(s.tables) == 0 {
		return true
	}
	_, ok := s.tables[table]
	return ok
}

// Broker fans change events out to subscribers, filtered by table. Events
// published from one goroutine reach each subscriber in publish order. A
// subscriber whose buffer fills is evicted (its channel closed) rather than
// silently losing events: the owning transport reacts by dropping the
// connection, and the client re-enters through the snapshot path. Delivery
// is therefore at-least-once for every subscription that stays open.
type Broker struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscriber]struct{})}
}

// Subscribe returns a channel of change events for the given tables (all
// tables when none are named) and a cancel function that must be called to
// release the subscription. The channel closes when the subscription is
// cancelled or the subscriber is evicted for falling behind.
func (b *Broker) Subscribe(tables ...string) (<-chan domain.ChangeEvent, func()) {
	sub := &subscriber{ch: make(chan domain.ChangeEvent, subscriberBuffer)}
	if len(tables) > 0 {
		sub.tables = make(map[string]struct{}, len(tables))
		for _, t := range tables {
			sub.tables[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers ev to every interested subscriber.
func (b *Broker) Publish(ev domain.ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(ev.Table) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Full buffer: evict rather than drop, so a stalled client is
			// forced back through the snapshot path instead of missing
			// events while nominally still subscribed.
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
