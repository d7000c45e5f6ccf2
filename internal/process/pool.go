package process

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many blocking OS calls (process-table scans, console
// tools) run at once across all tasks.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a pool admitting n concurrent calls
func NewPool(n int) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn once a slot is free. It fails only if ctx ends while waiting.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

var defaultPool = NewPool(4)

// DefaultPool is the pool used when none is configured
func DefaultPool() *Pool { return defaultPool }

// SetDefaultPool replaces the shared pool; call it once at startup.
func SetDefaultPool(p *Pool) { defaultPool = p }
