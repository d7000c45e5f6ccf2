// Package logmonitor follows a growing tool log and hands the relevant tail
// to a callback whenever it changes, plus a periodic heartbeat.
package logmonitor

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

const (
	defaultPollInterval = time.Second
	defaultHeartbeat    = 60 * time.Second
)

// Callback receives the current tail
type Callback func(lines []string)

// Options configures a Monitor
type Options struct {
	Parser       TimeParser
	PollInterval time.Duration
	Heartbeat    time.Duration
	Now          func() time.Time
}

// Monitor watches one file at a time. Start replaces any previous watch.
type Monitor struct {
	opts Options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle monitor
func New(opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{opts: opts}
}

// Start watches path and delivers tails of lines stamped after since.
func (m *Monitor) Start(ctx context.Context, path string, since time.Time, cb Callback) error {
	m.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// The file may not exist yet, so watch its directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Debug("log directory not watchable, polling only", "path", path, "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.run(ctx, watcher, path, since, cb, done)
	return nil
}

// Stop ends the current watch and waits for the loop to exit. Safe to call
// repeatedly and from any goroutine other than the callback.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Monitor) run(ctx context.Context, watcher *fsnotify.Watcher, path string, since time.Time, cb Callback, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()

	var (
		last          []string
		lastDelivered time.Time
		delivered     bool
		readFailed    bool
	)

	check := func() {
		lines, err := ReadTail(path, m.opts.Parser, since, m.opts.Now())
		now := time.Now()
		if err != nil {
			if !readFailed {
				log.Warn("reading log tail failed", "path", path, "error", err)
			}
			readFailed = true
			// Keep the heartbeat going with the last good tail.
			lines = last
		} else {
			readFailed = false
		}
		changed := !delivered || !slices.Equal(lines, last)
		if !changed && now.Sub(lastDelivered) < m.opts.Heartbeat {
			return
		}
		last, lastDelivered, delivered = lines, now, true
		if ctx.Err() == nil {
			cb(slices.Clone(lines))
		}
	}

	events, errs := watcher.Events, watcher.Errors
	check()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == filepath.Clean(path) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				check()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Debug("log watcher error", "path", path, "error", err)
		case <-poll.C:
			check()
		}
	}
}
