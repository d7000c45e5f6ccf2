package runmode

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/device"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/notify"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/scheduler"
)

// base holds what every per-user run mode shares: the script, its slot in
// the task, the device driver and the ordered user list.
type base struct {
	sc     config.ScriptConfig
	run    Run
	deps   Deps
	log    *zap.SugaredLogger
	driver device.Driver
	users  []config.UserConfig
}

func newBase(sc config.ScriptConfig, run Run, deps Deps) base {
	return base{sc: sc, run: run, deps: deps, log: log.With("script", sc.Name, "task", run.Handle.ID)}
}

// prepare builds the driver and publishes the ordered user list.
func (b *base) prepare() error {
	driver, err := b.deps.Devices(b.sc.Device)
	if err != nil {
		return fmt.Errorf("device for %s: %w", b.sc.Name, err)
	}
	b.driver = driver
	b.users = scheduler.New(b.sc, b.deps.Now()).Ordered()

	states := make([]*domain.UserRunState, len(b.users))
	for i, u := range b.users {
		states[i] = domain.NewUserRunState(u.ID, u.Name)
	}
	b.run.update(func(s *domain.ScriptRunState) {
		s.Users = states
		s.Status = domain.StatusRunning
	})
	return nil
}

// freshUser re-reads u from the store so counters written by earlier users
// or earlier runs are seen.
func (b *base) freshUser(u config.UserConfig) config.UserConfig {
	if b.deps.Store == nil {
		return u
	}
	if fresh, ok := b.deps.Store.User(b.sc.ID, u.ID); ok {
		return fresh
	}
	return u
}

func (b *base) setUser(i int, status domain.RunStatus) {
	b.run.update(func(s *domain.ScriptRunState) {
		if i >= 0 && i < len(s.Users) {
			s.Users[i].Status = status
		}
		if status == domain.StatusRunning {
			s.CurrentUser = i
		}
	})
}

// openRecord adds an attempt record to user i and returns its key.
func (b *base) openRecord(i int, phase domain.Phase, attempt int) (string, time.Time) {
	rec := domain.NewLogRecord(b.deps.Now(), phase, attempt)
	var key string
	b.run.update(func(s *domain.ScriptRunState) {
		key = s.Users[i].AddRecord(rec)
	})
	return key, rec.StartedAt
}

// tailRecord replaces the lines of an open record
func (b *base) tailRecord(i int, key string, lines []string) {
	b.run.update(func(s *domain.ScriptRunState) {
		if rec := s.Users[i].LogRecords[key]; rec != nil && !rec.Status.Terminal() {
			rec.Lines = lines
		}
		s.LastLog = lastLines(lines)
	})
}

// closeRecord applies the final classification and writes the history
// artifacts. A record that is already terminal keeps its status.
func (b *base) closeRecord(i int, key string, res domain.Result, lines []string, judgment *domain.Judgment) domain.Result {
	now := b.deps.Now()
	var (
		closed domain.LogRecord
		user   domain.UserRunState
	)
	b.run.update(func(s *domain.ScriptRunState) {
		u := s.Users[i]
		rec := u.LogRecords[key]
		if rec == nil {
			return
		}
		if lines != nil {
			rec.Lines = lines
		}
		if rec.SetStatus(res, now) && judgment != nil {
			rec.Judgment = judgment
		}
		closed = *rec.Clone()
		user = domain.UserRunState{UserID: u.UserID, Name: u.Name}
	})

	if closed.StartedAt.IsZero() {
		return res
	}
	b.deps.Observer.RecordAttempt(b.sc.Name, closed.Phase, closed.Status)
	if _, err := b.deps.History.Record(history.Entry{
		TaskID:     b.run.Handle.ID,
		ScriptID:   b.sc.ID,
		Script:     b.sc.Name,
		UserID:     user.UserID,
		User:       user.Name,
		Phase:      closed.Phase,
		Attempt:    closed.Attempt,
		StartedAt:  closed.StartedAt,
		FinishedAt: closed.FinishedAt,
		Status:     closed.Status,
		Judgment:   closed.Judgment,
	}, closed.Lines); err != nil {
		b.log.Warnw("writing history failed", "user", user.Name, "error", err)
	}
	return closed.Status
}

func (b *base) notify(typ notify.NotificationType, user, title, format string, args ...interface{}) {
	n := notify.Notification{
		Title:   title,
		Message: fmt.Sprintf(format, args...),
		Type:    typ,
		TaskID:  b.run.Handle.ID,
		Script:  b.sc.Name,
		User:    user,
	}
	if err := b.deps.Notifier.Send(n); err != nil {
		b.log.Warnw("notification failed", "title", title, "error", err)
	}
}

func (b *base) saveStore() {
	if b.deps.Store == nil {
		return
	}
	if err := b.deps.Store.Save(); err != nil {
		b.log.Warnw("saving configuration failed", "path", b.deps.Store.Path(), "error", err)
	}
}

// finishCancelled marks unfinished users after a cancelled run.
func (b *base) finishCancelled() {
	b.run.update(func(s *domain.ScriptRunState) {
		for _, u := range s.Users {
			if !u.Status.Finished() {
				u.Status = domain.StatusSkipped
			}
		}
		s.Status = domain.StatusSkipped
		s.CurrentUser = -1
	})
}

// finish sets the script status from its users once every user ran.
func (b *base) finish() {
	b.run.update(func(s *domain.ScriptRunState) {
		s.Status = domain.StatusDone
		for _, u := range s.Users {
			if u.Status == domain.StatusError {
				s.Status = domain.StatusError
			}
		}
		s.CurrentUser = -1
	})
}

// OnCrash marks the script and its running user as failed
func (b *base) OnCrash(err error) {
	b.log.Errorw("run crashed", "error", err)
	b.run.update(func(s *domain.ScriptRunState) {
		for _, u := range s.Users {
			if u.Status == domain.StatusRunning {
				u.Status = domain.StatusError
			}
		}
		s.Status = domain.StatusError
	})
	b.run.notice("error", "%s crashed: %v", b.sc.Name, err)
	b.notify(notify.NotifyError, "", "Run crashed", "%v", err)
}
