// Package broadcast is the inbound mailbox through which operator answers
// reach tasks that are waiting on them.
package broadcast

import (
	"context"
	"sync"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

// Message is an inbound message. ID is the correlation id of the prompt
// being answered.
type Message struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Bool reads a boolean field of Data
func (m Message) Bool(key string) bool {
	v, _ := m.Data[key].(bool)
	return v
}

// String reads a string field of Data
func (m Message) String(key string) string {
	v, _ := m.Data[key].(string)
	return v
}

// Predicate selects the messages a subscriber receives
type Predicate func(Message) bool

// MatchID selects messages carrying the given correlation id
func MatchID(id string) Predicate {
	return func(m Message) bool { return m.ID == id }
}

type subscriber struct {
	ch    chan Message
	match Predicate
}

// Broadcast delivers each published message to every subscriber whose
// predicate accepts it.
type Broadcast struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
}

// New creates an empty mailbox
func New() *Broadcast {
	return &Broadcast{subs: make(map[uint64]*subscriber), buffer: 8}
}

// Subscribe registers a predicate. The returned func unsubscribes and closes the channel.
func (b *Broadcast) Subscribe(match Predicate) (<-chan Message, func()) {
	if match == nil {
		match = func(Message) bool { return true }
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Message, b.buffer), match: match}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Publish fans msg out and returns how many subscribers received it. A full
// subscriber misses the message instead of blocking delivery to the rest.
func (b *Broadcast) Publish(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for _, sub := range b.subs {
		if !sub.match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			log.Warn("broadcast subscriber full, message dropped", "id", msg.ID, "type", msg.Type)
		}
	}
	return delivered
}

// Await subscribes to id, runs ready once the subscription is live, and
// blocks until a matching message arrives or ctx ends.
func (b *Broadcast) Await(ctx context.Context, id string, ready func()) (Message, error) {
	ch, cancel := b.Subscribe(MatchID(id))
	defer cancel()

	if ready != nil {
		ready()
	}

	select {
	case msg := <-ch:
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Len returns the number of live subscribers
func (b *Broadcast) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
