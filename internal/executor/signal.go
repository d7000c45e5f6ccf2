package executor

import (
	"context"
	"sync"
)

// Signal is a resettable one-shot flag that goroutines can wait on.
type Signal struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewSignal returns a cleared signal
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set releases all current and future waiters until the next Clear.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear re-arms the signal
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports the current state
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel closed when the signal is set
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal is set or ctx ends
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
