package runmode

import (
	"context"
	"fmt"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/executor"
)

const (
	answerDone   = "done"
	answerCancel = "cancel"
)

// Setup opens the tool so the operator can edit the configuration of one
// user, or of the script itself, and stores the result when they finish.
type Setup struct {
	base
	userID string
	sess   *session
}

// NewSetup creates the configure contract. An empty userID edits the
// script-level configuration.
func NewSetup(sc config.ScriptConfig, userID string, run Run, deps Deps) *Setup {
	deps = deps.withDefaults()
	return &Setup{base: newBase(sc, run, deps), userID: userID}
}

func (s *Setup) Prepare(ctx context.Context) error {
	driver, err := s.deps.Devices(s.sc.Device)
	if err != nil {
		return fmt.Errorf("device for %s: %w", s.sc.Name, err)
	}
	s.driver = driver

	var states []*domain.UserRunState
	if s.userID != "" {
		name := s.userID
		for _, u := range s.sc.Users {
			if u.ID == s.userID {
				name = u.Name
			}
		}
		st := domain.NewUserRunState(s.userID, name)
		st.Status = domain.StatusRunning
		states = append(states, st)
	}
	s.run.update(func(st *domain.ScriptRunState) {
		st.Users = states
		st.Status = domain.StatusRunning
		if len(states) > 0 {
			st.CurrentUser = 0
		}
	})
	return nil
}

func (s *Setup) MainTask(ctx context.Context) error {
	if err := s.deps.Tools.Restore(s.sc, s.userID); err != nil {
		return fmt.Errorf("restoring configuration: %w", err)
	}

	s.sess = newSession(s.sc, s.driver, s.deps)
	if _, err := s.sess.openDevice(ctx); err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	if err := s.sess.launch(ctx); err != nil {
		return fmt.Errorf("launching tool: %w", err)
	}

	msg, err := ask(ctx, s.run, s.deps.Broadcast, "Configure "+s.sc.Name,
		"Adjust the tool configuration, then choose done to save it", answerDone, answerCancel)
	if err != nil {
		return err
	}

	s.sess.teardown(ctx)
	if msg.Bool(answerDone) || msg.String("answer") == answerDone {
		if err := s.deps.Tools.Capture(s.sc, s.userID); err != nil {
			return fmt.Errorf("saving configuration: %w", err)
		}
		s.run.notice("info", "configuration of %s saved", s.sc.Name)
	}

	s.run.update(func(st *domain.ScriptRunState) {
		for _, u := range st.Users {
			u.Status = domain.StatusDone
		}
		st.Status = domain.StatusDone
		st.CurrentUser = -1
	})
	return nil
}

func (s *Setup) FinalTask(ctx context.Context) error {
	if s.sess != nil {
		s.sess.teardown(ctx)
	}
	if executor.Cancelled(ctx) {
		s.finishCancelled()
	}
	return nil
}
