package runmode

import (
	"context"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/executor"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/notify"
)

const (
	answerSuccess = "success"
	answerFailure = "failure"
)

// ManualReview launches the tool for each enabled user and lets the operator
// decide whether the session succeeded.
type ManualReview struct {
	base

	cur     *session
	curUser int
	curKey  string
}

// NewManualReview creates the manual-review contract for sc
func NewManualReview(sc config.ScriptConfig, run Run, deps Deps) *ManualReview {
	deps = deps.withDefaults()
	return &ManualReview{base: newBase(sc, run, deps), curUser: -1}
}

func (m *ManualReview) Prepare(ctx context.Context) error {
	return m.prepare()
}

func (m *ManualReview) MainTask(ctx context.Context) error {
	for i, u := range m.users {
		if err := ctx.Err(); err != nil {
			return err
		}
		u = m.freshUser(u)
		if u.Disabled {
			m.setUser(i, domain.StatusSkipped)
			continue
		}
		m.setUser(i, domain.StatusRunning)
		res := m.review(ctx, i, u)
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.IsSuccess() {
			m.setUser(i, domain.StatusDone)
		} else {
			m.setUser(i, domain.StatusError)
			m.notify(notify.NotifyWarning, u.Name, "Review failed", "%s", res.Detail)
		}
	}
	m.finish()
	return nil
}

func (m *ManualReview) review(ctx context.Context, i int, u config.UserConfig) domain.Result {
	key, _ := m.openRecord(i, domain.PhaseRoutine, 1)
	m.curUser, m.curKey = i, key

	done := func(res domain.Result) domain.Result {
		m.release(ctx)
		return m.closeRecord(i, key, res, nil, nil)
	}

	if err := m.deps.Tools.Prepare(m.sc, u, domain.PhaseRoutine); err != nil {
		return done(domain.Failure("preparing tool configuration: " + err.Error()))
	}
	m.cur = newSession(m.sc, m.driver, m.deps)
	if _, err := m.cur.openDevice(ctx); err != nil {
		return done(domain.DeviceError("opening device: " + err.Error()))
	}
	if err := m.cur.launch(ctx); err != nil {
		return done(domain.DeviceError("launching tool: " + err.Error()))
	}

	msg, err := ask(ctx, m.run, m.deps.Broadcast, "Manual review",
		"Check "+u.Name+" in "+m.sc.Name+" and report the result", answerSuccess, answerFailure)
	if err != nil {
		// FinalTask closes the record.
		return domain.Aborted()
	}

	res := domain.Failure("operator reported failure")
	if msg.Bool(answerSuccess) || msg.String("answer") == answerSuccess {
		res = domain.Success()
	}
	return done(res)
}

func (m *ManualReview) release(ctx context.Context) {
	if m.cur != nil {
		m.cur.teardown(ctx)
		m.cur = nil
	}
	m.curUser, m.curKey = -1, ""
}

func (m *ManualReview) FinalTask(ctx context.Context) error {
	if m.curUser >= 0 {
		i, key := m.curUser, m.curKey
		m.release(ctx)
		res := domain.Aborted()
		if !executor.Cancelled(ctx) {
			res = domain.Failure("run ended unexpectedly")
		}
		m.closeRecord(i, key, res, nil, nil)
	}
	if executor.Cancelled(ctx) {
		m.finishCancelled()
	}
	return nil
}
