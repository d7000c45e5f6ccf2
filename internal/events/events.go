// Package events carries run-status pushes from tasks to API clients.
package events

import (
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

// Kind classifies an event for consumers
type Kind string

const (
	// KindUpdate carries a script or user state change.
	KindUpdate Kind = "Update"
	// KindMessage asks the operator something; answers come back through the broadcast mailbox.
	KindMessage Kind = "Message"
	// KindInfo is free-form progress text.
	KindInfo Kind = "Info"
	// KindSignal is a lifecycle signal such as task completion.
	KindSignal Kind = "Signal"
)

// Event is one push to API clients
type Event struct {
	TaskID  string      `json:"task_id"`
	Kind    Kind        `json:"kind"`
	Payload interface{} `json:"payload"`
	Time    time.Time   `json:"time"`
}

// Prompt is the payload of a KindMessage event
type Prompt struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Notice is the payload of a KindInfo event
type Notice struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Completion is the payload of the task-finished KindSignal event
type Completion struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// Emitter accepts events without blocking the caller
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a func to Emitter
type EmitterFunc func(Event)

// Emit calls f
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard drops every event
var Discard Emitter = EmitterFunc(func(Event) {})

// Hub fans events out to subscribers. A subscriber whose buffer is full is
// dropped rather than allowed to stall the publishing task.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	buffer  int
}

// NewHub creates a hub with per-subscriber buffers of size buffer
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{clients: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe registers a new client. The returned cancel func is safe to call twice.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() { h.remove(ch) }
}

func (h *Hub) remove(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
}

// Emit delivers e to every subscriber without blocking
func (h *Hub) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	var slow []chan Event
	h.mu.RLock()
	for ch := range h.clients {
		select {
		case ch <- e:
		default:
			slow = append(slow, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range slow {
		log.Warn("dropping slow event subscriber", "task", e.TaskID, "kind", e.Kind)
		h.remove(ch)
	}
}

// Len returns the number of subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Multi emits to several emitters in order
type Multi []Emitter

// Emit forwards e to every emitter
func (m Multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}
