// Package scheduler decides which users of a script run, in what order and
// with which phases.
package scheduler

import (
	"sort"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// Skip reasons reported for users that do not run
const (
	SkipDisabled = "user disabled"
	SkipExpired  = "no remaining days"
	SkipDailyCap = "daily run limit reached"
)

// Scheduler orders the users of one script for a run started at now
type Scheduler struct {
	script config.ScriptConfig
	now    time.Time
}

// New creates a new Scheduler
func New(script config.ScriptConfig, now time.Time) *Scheduler {
	return &Scheduler{script: script, now: now}
}

// Ordered returns every user of the script in run order: simple-mode users
// before detailed-mode ones, then higher priority first, then by name.
func (s *Scheduler) Ordered() []config.UserConfig {
	users := append([]config.UserConfig(nil), s.script.Users...)

	sort.SliceStable(users, func(i, j int) bool {
		// 1. Mode (simple before detailed)
		mi, mj := modeOrder(users[i].Mode), modeOrder(users[j].Mode)
		if mi != mj {
			return mi < mj
		}

		// 2. Priority (higher first)
		if users[i].Priority != users[j].Priority {
			return users[i].Priority > users[j].Priority
		}

		// 3. Name
		return users[i].Name < users[j].Name
	})

	return users
}

// SkipReason explains why u must not run today, or returns "".
func (s *Scheduler) SkipReason(u config.UserConfig) string {
	switch {
	case u.Disabled:
		return SkipDisabled
	case u.Expired():
		return SkipExpired
	case s.script.ProxyTimesLimit > 0 && u.Data.ProxyTimesOn(s.now) >= s.script.ProxyTimesLimit:
		return SkipDailyCap
	}
	return ""
}

// Phases returns the phases u still has to satisfy. The intensive phase is
// dropped when the user has it disabled or already completed it this ISO
// week; the routine phase when the user skips it.
func (s *Scheduler) Phases(u config.UserConfig) []domain.Phase {
	var phases []domain.Phase
	if domain.ScriptKind(s.script.Kind) == domain.KindMAA && u.Intensive && !u.Data.IntensiveDoneIn(s.now) {
		phases = append(phases, domain.PhaseIntensive)
	}
	if !u.SkipRoutine {
		phases = append(phases, domain.PhaseRoutine)
	}
	return phases
}

func modeOrder(m string) int {
	switch domain.UserMode(m) {
	case domain.UserDetailed:
		return 1
	default:
		return 0
	}
}
