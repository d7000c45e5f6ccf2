package runmode

import (
	"fmt"
	"strings"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/logmonitor"
)

// MAA log markers
const (
	maaNoTask       = "未选择任务"
	maaLoginFailed  = "任务出错: 开始唤醒"
	maaCheckConnect = "请 ｢检查连接设置｣"
	maaADBFailed    = "连接模拟器失败"
	maaAllDone      = "任务已全部完成！"
	maaTaskDone     = "完成任务: "
	maaStopped      = "已停止"
	maaExited       = "MaaAssistantArknights GUI exited"
	maaFightTask    = "刷理智"
)

var updateMarkers = []string{"发现新版本", "新版本已下载", "New version found"}

// Observation is what a classifier sees on each monitor callback
type Observation struct {
	Lines     []string
	Now       time.Time
	StartedAt time.Time
	// TimeLimit is the stall budget for the current phase.
	TimeLimit    time.Duration
	ProcessAlive bool
	// ExpectedTasks must each appear as completed before a run counts as done.
	ExpectedTasks []string
}

// Classifier turns a log tail into a Result
type Classifier interface {
	Classify(o Observation) domain.Result
}

// NewClassifier picks the rule set for a script kind
func NewClassifier(sc config.ScriptConfig) Classifier {
	p := parserFor(sc)
	if domain.ScriptKind(sc.Kind) == domain.KindMAA {
		return &MAAClassifier{Parser: p}
	}
	return &MarkerClassifier{Parser: p, Success: sc.SuccessMarkers, Failure: sc.FailureMarkers}
}

func parserFor(sc config.ScriptConfig) logmonitor.TimeParser {
	return logmonitor.TimeParser{Layout: sc.LogTimeFormat, Start: sc.LogTimeStart, End: sc.LogTimeEnd}
}

// MAAClassifier applies the MaaAssistantArknights GUI log rules in order.
type MAAClassifier struct {
	Parser logmonitor.TimeParser
}

func (c *MAAClassifier) Classify(o Observation) domain.Result {
	text := strings.Join(o.Lines, "\n")

	switch {
	case strings.Contains(text, maaNoTask):
		return domain.Failure("no task selected in the tool")
	case strings.Contains(text, maaLoginFailed):
		return domain.Failure("failed to log in to the game")
	case strings.Contains(text, maaCheckConnect), strings.Contains(text, maaADBFailed):
		return domain.DeviceError("tool could not connect to the emulator")
	case strings.Contains(text, maaAllDone):
		if missing := missingTasks(o.Lines, o.ExpectedTasks); len(missing) > 0 {
			return domain.Failure("tasks not completed: " + strings.Join(missing, ", "))
		}
		return domain.Success()
	case strings.Contains(text, maaStopped):
		return domain.Failure("tool stopped before completing")
	case strings.Contains(text, maaExited):
		return domain.Failure("tool exited unexpectedly")
	case !o.ProcessAlive:
		return domain.Failure("tool process is no longer running")
	}

	if res, stalled := stall(c.Parser, o); stalled {
		return res
	}
	return domain.Running()
}

// missingTasks returns the expected tasks without a completion line
func missingTasks(lines, expected []string) []string {
	done := make(map[string]bool)
	for _, line := range lines {
		if i := strings.Index(line, maaTaskDone); i >= 0 {
			done[strings.TrimSpace(line[i+len(maaTaskDone):])] = true
		}
	}
	var missing []string
	for _, t := range expected {
		if !done[t] {
			missing = append(missing, t)
		}
	}
	return missing
}

// MarkerClassifier serves general scripts: operator supplied success and
// failure markers, then process exit, then stall.
type MarkerClassifier struct {
	Parser  logmonitor.TimeParser
	Success []string
	Failure []string
}

func (c *MarkerClassifier) Classify(o Observation) domain.Result {
	text := strings.Join(o.Lines, "\n")

	for _, m := range c.Failure {
		if m != "" && strings.Contains(text, m) {
			return domain.Failure(m)
		}
	}
	for _, m := range c.Success {
		if m != "" && strings.Contains(text, m) {
			return domain.Success()
		}
	}
	if !o.ProcessAlive {
		if len(c.Success) == 0 {
			return domain.Success()
		}
		return domain.Failure("script exited without a success marker")
	}

	if res, stalled := stall(c.Parser, o); stalled {
		return res
	}
	return domain.Running()
}

// stall compares the newest log timestamp, or the attempt start when the
// tail has none, against the phase time limit.
func stall(p logmonitor.TimeParser, o Observation) (domain.Result, bool) {
	if o.TimeLimit <= 0 {
		return domain.Result{}, false
	}
	latest, ok := p.Newest(o.Lines)
	if !ok {
		latest = o.StartedAt
	}
	if idle := o.Now.Sub(latest); idle > o.TimeLimit {
		return domain.Timeout(fmt.Sprintf("no log activity for %s", idle.Truncate(time.Second))), true
	}
	return domain.Result{}, false
}

// UpdatePending reports whether the tool announced a self-update
func UpdatePending(lines []string) bool {
	for _, line := range lines {
		for _, m := range updateMarkers {
			if strings.Contains(line, m) {
				return true
			}
		}
	}
	return false
}

// ExpectedTasks returns the task checklist a phase must complete
func ExpectedTasks(kind domain.ScriptKind, user config.UserConfig, phase domain.Phase) []string {
	if kind != domain.KindMAA {
		return nil
	}
	if phase == domain.PhaseIntensive {
		return []string{maaFightTask}
	}
	return append([]string(nil), user.Tasks...)
}
