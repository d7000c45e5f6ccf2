// Package batch fires queue runs on their cron timers.
package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

// Dispatch starts a task; dispatcher.Dispatcher.AddTask satisfies it
type Dispatch func(mode domain.Mode, target string) (string, error)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Scheduler owns the cron runner for all queue timers
type Scheduler struct {
	cron     *cron.Cron
	dispatch Dispatch

	mu      sync.RWMutex
	entries map[string][]cron.EntryID
	lastRun map[string]time.Time
}

// NewScheduler registers timers. Nothing fires until Start.
func NewScheduler(timers []Timer, dispatch Dispatch) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		dispatch: dispatch,
		entries:  make(map[string][]cron.EntryID),
		lastRun:  make(map[string]time.Time),
	}

	for _, t := range timers {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		queueID := t.QueueID
		id, err := s.cron.AddFunc(t.Cron, func() { s.Fire(queueID) })
		if err != nil {
			return nil, err
		}
		s.entries[queueID] = append(s.entries[queueID], id)
	}

	return s, nil
}

// Fire dispatches an auto-run of queueID now. A queue that is still running
// from its previous timer is left alone.
func (s *Scheduler) Fire(queueID string) {
	id, err := s.dispatch(domain.ModeAutoRun, queueID)
	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		log.Info("queue still running, timer skipped", "queue", queueID)
		return
	case err != nil:
		log.Error("timer dispatch failed", "queue", queueID, "error", err)
		return
	}

	s.mu.Lock()
	s.lastRun[queueID] = time.Now()
	s.mu.Unlock()
	log.Info("timer dispatched queue", "queue", queueID, "task", id)
}

// NextRun returns the earliest upcoming fire time of a queue, or zero
func (s *Scheduler) NextRun(queueID string) time.Time {
	s.mu.RLock()
	ids := s.entries[queueID]
	s.mu.RUnlock()

	var next time.Time
	for _, id := range ids {
		e := s.cron.Entry(id)
		n := e.Next
		if n.IsZero() && e.Schedule != nil {
			n = e.Schedule.Next(time.Now())
		}
		if !n.IsZero() && (next.IsZero() || n.Before(next)) {
			next = n
		}
	}
	return next
}

// LastRun returns when a timer last dispatched queueID
func (s *Scheduler) LastRun(queueID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastRun[queueID]
	return t, ok
}

// Queues returns the queue ids that have timers
func (s *Scheduler) Queues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start runs the cron loop in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the timers and waits for running dispatch calls, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
