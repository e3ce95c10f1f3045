package store

import (
	"sync"
)

// Change describes a write to a collection
type Change struct {
	Path           string `json:"path"`
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
}

// Feed delivers changes matching a predicate. Deliveries are coalesced: a
// subscriber only learns that at least one matching change happened since it
// last read, which is all a snapshot re-query needs.
type Feed interface {
	Subscribe(match func(Change) bool) (<-chan Change, func())
}

// Broadcaster is an in-process Feed
type Broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]*feedSub
}

type feedSub struct {
	match func(Change) bool
	ch    chan Change
}

// NewBroadcaster creates an empty Broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*feedSub)}
}

// Subscribe registers a listener; the returned func unregisters it
func (b *Broadcaster) Subscribe(match func(Change) bool) (<-chan Change, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &feedSub{match: match, ch: make(chan Change, 1)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish notifies every subscriber whose predicate accepts c
func (b *Broadcaster) Publish(c Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.match != nil && !sub.match(c) {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			// a delivery is already pending
		}
	}
}

// Subscribers returns the number of registered listeners
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
