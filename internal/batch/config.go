package batch

import (
	"fmt"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// Timer dispatches one queue on a cron schedule
type Timer struct {
	QueueID string
	Cron    string
}

// Validate checks the timer has a queue and a parseable schedule
func (t Timer) Validate() error {
	if t.QueueID == "" {
		return fmt.Errorf("%w: timer without queue", domain.ErrValidation)
	}
	if t.Cron == "" {
		return fmt.Errorf("%w: queue %s has an empty timer", domain.ErrValidation, t.QueueID)
	}
	if _, err := ParseCron(t.Cron); err != nil {
		return fmt.Errorf("%w: queue %s: invalid cron expression %q: %v", domain.ErrValidation, t.QueueID, t.Cron, err)
	}
	return nil
}

// TimersFrom collects the timers of every enabled queue
func TimersFrom(cfg config.Config) ([]Timer, error) {
	var timers []Timer
	for _, q := range cfg.Queues {
		if !q.Enabled {
			continue
		}
		for _, spec := range q.Timers {
			t := Timer{QueueID: q.ID, Cron: spec}
			if err := t.Validate(); err != nil {
				return nil, err
			}
			timers = append(timers, t)
		}
	}
	return timers, nil
}
