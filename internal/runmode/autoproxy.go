package runmode

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/executor"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/judge"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/logmonitor"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/notify"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/scheduler"
)

// AutoProxy runs every eligible user of a script unattended, phase by
// phase, retrying failed attempts up to the script's limit.
type AutoProxy struct {
	base
	classifier Classifier

	// cur is the attempt whose resources are held. It is only touched by
	// the run goroutine and by FinalTask, which runs after MainTask returns.
	cur *attempt
}

// attempt is one launch-monitor-classify cycle
type attempt struct {
	userIdx int
	user    config.UserConfig
	phase   domain.Phase
	key     string
	sess    *session
	done    *executor.Signal

	mu       sync.Mutex
	lines    []string
	result   domain.Result
	judgment *domain.Judgment
	update   bool
}

func (a *attempt) observe(lines []string, res domain.Result, j *domain.Judgment, update bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = lines
	a.result = res
	a.judgment = j
	a.update = a.update || update
}

func (a *attempt) snapshot() ([]string, domain.Result, *domain.Judgment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lines, a.result, a.judgment, a.update
}

// NewAutoProxy creates the auto-run contract for sc
func NewAutoProxy(sc config.ScriptConfig, run Run, deps Deps) *AutoProxy {
	deps = deps.withDefaults()
	return &AutoProxy{base: newBase(sc, run, deps), classifier: NewClassifier(sc)}
}

// Prepare builds the device driver and lists the users in run order
func (p *AutoProxy) Prepare(ctx context.Context) error {
	return p.prepare()
}

// MainTask runs the users one after another
func (p *AutoProxy) MainTask(ctx context.Context) error {
	for i, u := range p.users {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.runUser(ctx, i, u)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.finish()
	return nil
}

func (p *AutoProxy) runUser(ctx context.Context, i int, u config.UserConfig) {
	u = p.freshUser(u)
	sched := scheduler.New(p.sc, p.deps.Now())

	if reason := sched.SkipReason(u); reason != "" {
		p.log.Infow("skipping user", "user", u.Name, "reason", reason)
		p.setUser(i, domain.StatusSkipped)
		p.run.notice("info", "%s skipped: %s", u.Name, reason)
		return
	}

	phases := sched.Phases(u)
	if len(phases) == 0 {
		p.setUser(i, domain.StatusDone)
		return
	}

	p.setUser(i, domain.StatusRunning)
	failed := false
	for _, phase := range phases {
		ok := p.runPhase(ctx, i, u, phase)
		if ctx.Err() != nil {
			return
		}
		if ok {
			p.recordSuccess(u, phase)
			continue
		}
		failed = true
		p.notify(notify.NotifyError, u.Name, "Run failed",
			"%s phase failed after %d attempts", phase, p.attemptLimit())
	}

	if failed {
		p.setUser(i, domain.StatusError)
	} else {
		p.setUser(i, domain.StatusDone)
	}
}

// runPhase makes up to RunTimesLimit attempts and reports whether one succeeded.
func (p *AutoProxy) runPhase(ctx context.Context, i int, u config.UserConfig, phase domain.Phase) bool {
	limit := p.attemptLimit()
	for n := 1; n <= limit; n++ {
		res := p.attempt(ctx, i, u, phase, n)
		if ctx.Err() != nil {
			return false
		}
		if res.IsSuccess() {
			return true
		}
		p.log.Infow("attempt failed", "user", u.Name, "phase", phase, "attempt", n, "result", res.String())
		p.notify(notify.NotifyWarning, u.Name, "Attempt failed", "%s attempt %d/%d: %s", phase, n, limit, res.Detail)
	}
	return false
}

func (p *AutoProxy) attemptLimit() int {
	if p.sc.RunTimesLimit <= 0 {
		return 1
	}
	return p.sc.RunTimesLimit
}

func (p *AutoProxy) recordSuccess(u config.UserConfig, phase domain.Phase) {
	if p.deps.Store == nil {
		return
	}
	now := p.deps.Now()
	err := p.deps.Store.UpdateUser(p.sc.ID, u.ID, func(c *config.UserConfig) {
		if phase == domain.PhaseIntensive {
			c.Data.RecordIntensive(now)
		} else {
			c.Data.RecordProxy(now)
		}
	})
	if err != nil {
		p.log.Warnw("recording success failed", "user", u.Name, "error", err)
		return
	}
	p.saveStore()
}

func (p *AutoProxy) attempt(ctx context.Context, i int, u config.UserConfig, phase domain.Phase, n int) domain.Result {
	key, _ := p.openRecord(i, phase, n)
	at := &attempt{userIdx: i, user: u, phase: phase, key: key, done: executor.NewSignal()}
	p.cur = at

	res := p.drive(ctx, at)
	if ctx.Err() != nil {
		// FinalTask closes the record and releases the resources.
		return domain.Aborted()
	}
	return p.settle(ctx, at, res)
}

// drive acquires the device, launches the tool and waits for a terminal
// classification of its log.
func (p *AutoProxy) drive(ctx context.Context, at *attempt) domain.Result {
	if err := p.deps.Tools.Prepare(p.sc, at.user, at.phase); err != nil {
		return domain.Failure("preparing tool configuration: " + err.Error())
	}

	at.sess = newSession(p.sc, p.driver, p.deps)
	if _, err := at.sess.openDevice(ctx); err != nil {
		return domain.DeviceError("opening device: " + err.Error())
	}

	launchedAt := p.deps.Now()
	if err := at.sess.launch(ctx); err != nil {
		return domain.DeviceError("launching tool: " + err.Error())
	}

	path := logPath(p.sc, p.deps.Tools.DataDir)
	if err := waitForFile(ctx, path, p.deps.LogWait, p.deps.LogPoll); err != nil {
		detail := err.Error()
		if out := at.sess.outputTail(); len(out) > 0 {
			detail += "; tool output: " + lastLines(out)
		}
		return domain.DeviceError(detail)
	}

	opts := p.deps.Monitor
	opts.Parser = parserFor(p.sc)
	if opts.Now == nil {
		opts.Now = p.deps.Now
	}
	mon := logmonitor.New(opts)

	obs := Observation{
		StartedAt:     launchedAt,
		TimeLimit:     p.timeLimit(at.phase),
		ExpectedTasks: ExpectedTasks(domain.ScriptKind(p.sc.Kind), at.user, at.phase),
	}
	jctx := judge.Context{Script: p.sc.Name, User: at.user.Name, Phase: at.phase, Tool: domain.ScriptKind(p.sc.Kind)}

	// Log timestamps have second precision; keep lines from the launch second.
	since := launchedAt.Truncate(time.Second).Add(-time.Nanosecond)

	callback := func(lines []string) {
		if at.done.IsSet() {
			return
		}
		alive := at.sess.alive()
		if !alive {
			// The tool may have written its last lines after this tail was read.
			if fresh, err := logmonitor.ReadTail(path, opts.Parser, since, opts.Now()); err == nil && len(fresh) > 0 {
				lines = fresh
			}
		}
		o := obs
		o.Lines = lines
		o.Now = p.deps.Now()
		o.ProcessAlive = alive
		res := p.classifier.Classify(o)

		var judgment *domain.Judgment
		if res.IsFailure() {
			v := p.deps.Judge.AnalyzeLog(ctx, strings.Join(lines, "\n"), jctx, res)
			if v.Judged {
				judgment = &domain.Judgment{Provider: v.Provider, Model: v.Model, Original: res, Reason: v.Reason, At: p.deps.Now()}
				p.deps.Observer.RecordJudgment(v.Provider, v.Result)
				res = v.Result
			}
		}

		at.observe(lines, res, judgment, UpdatePending(lines))
		p.tailRecord(at.userIdx, at.key, lines)
		if res.Terminal() {
			at.done.Set()
		}
	}

	if err := mon.Start(ctx, path, since, callback); err != nil {
		return domain.Failure("watching log: " + err.Error())
	}
	err := at.done.Wait(ctx)
	mon.Stop()
	if err != nil {
		return domain.Aborted()
	}

	_, res, _, _ := at.snapshot()
	return res
}

// settle tears the attempt down, closes its record and runs the update
// side task when the tool asked for one.
func (p *AutoProxy) settle(ctx context.Context, at *attempt, res domain.Result) domain.Result {
	if at.sess != nil {
		at.sess.teardown(ctx)
	}
	lines, _, judgment, update := at.snapshot()
	if !res.Terminal() {
		res = domain.Failure("attempt ended without a verdict")
	}
	final := p.closeRecord(at.userIdx, at.key, res, lines, judgment)
	p.cur = nil

	if update {
		p.applyUpdate(ctx)
	}
	return final
}

func (p *AutoProxy) applyUpdate(ctx context.Context) {
	if p.deps.Updater == nil || p.sc.UpdateURL == "" {
		p.log.Infow("tool reported a pending update but no update source is configured")
		return
	}
	version, err := p.deps.Updater.Apply(ctx, p.sc.UpdateURL, p.sc.Version, p.sc.RootPath)
	p.deps.Observer.RecordUpdate(p.sc.Name, err)
	if err != nil {
		p.log.Warnw("tool update failed", "error", err)
		p.run.notice("warning", "updating %s failed: %v", p.sc.Name, err)
		return
	}
	if version == "" {
		return
	}
	p.sc.Version = version
	if p.deps.Store != nil {
		if err := p.deps.Store.UpdateScript(p.sc.ID, func(sc *config.ScriptConfig) { sc.Version = version }); err != nil {
			p.log.Warnw("recording tool version failed", "error", err)
		}
		p.saveStore()
	}
	p.run.notice("info", "%s updated to %s", p.sc.Name, version)
}

func (p *AutoProxy) timeLimit(phase domain.Phase) time.Duration {
	if phase == domain.PhaseIntensive {
		return time.Duration(p.sc.IntensiveTimeLimit) * time.Minute
	}
	return time.Duration(p.sc.RoutineTimeLimit) * time.Minute
}

// FinalTask releases whatever the last attempt still holds. After a
// cancellation the open record is closed as manually aborted.
func (p *AutoProxy) FinalTask(ctx context.Context) error {
	if at := p.cur; at != nil {
		if at.sess != nil {
			at.sess.teardown(ctx)
		}
		res := domain.Aborted()
		if !executor.Cancelled(ctx) {
			res = domain.Failure("run ended unexpectedly")
		}
		lines, _, _, _ := at.snapshot()
		p.closeRecord(at.userIdx, at.key, res, lines, nil)
		p.cur = nil
	}

	if executor.Cancelled(ctx) {
		p.finishCancelled()
		p.run.notice("info", "%s stopped", p.sc.Name)
	}
	p.saveStore()
	return nil
}
