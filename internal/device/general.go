package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/process"
)

// General boots any emulator executable and treats its process liveness as
// the device status. The index is passed to the executable as its only argument.
type General struct {
	path string
	boot time.Duration
	pool *process.Pool

	mu        sync.Mutex
	instances map[int]*process.Launcher
}

// NewGeneral creates a General driver
func NewGeneral(path string, boot time.Duration, pool *process.Pool) *General {
	return &General{path: path, boot: boot, pool: pool, instances: make(map[int]*process.Launcher)}
}

func (g *General) Open(ctx context.Context, index int, _ string) (Info, error) {
	g.mu.Lock()
	if l, ok := g.instances[index]; ok && l.IsRunning() {
		g.mu.Unlock()
		return g.Info(ctx, index)
	}
	l := process.New(process.Options{Pool: g.pool})
	g.instances[index] = l
	g.mu.Unlock()

	if err := l.Open(ctx, g.path, []string{strconv.Itoa(index)}, nil); err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrResourceAcquisition, err)
	}
	if err := waitRunning(ctx, g.boot, func(ctx context.Context) (Status, error) { return g.Status(ctx, index) }); err != nil {
		return Info{}, err
	}
	return g.Info(ctx, index)
}

func (g *General) Close(_ context.Context, index int) error {
	g.mu.Lock()
	l, ok := g.instances[index]
	delete(g.instances, index)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Kill(false)
}

func (g *General) Status(_ context.Context, index int) (Status, error) {
	g.mu.Lock()
	l, ok := g.instances[index]
	g.mu.Unlock()
	if ok && l.IsRunning() {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// SetVisible has no generic implementation.
func (g *General) SetVisible(context.Context, int, bool) error {
	return fmt.Errorf("general device window visibility: %w", errors.ErrUnsupported)
}

func (g *General) Info(ctx context.Context, index int) (Info, error) {
	st, _ := g.Status(ctx, index)
	info := Info{Index: index, Status: st}
	g.mu.Lock()
	if l, ok := g.instances[index]; ok {
		info.PID = l.PID()
	}
	g.mu.Unlock()
	return info, nil
}
