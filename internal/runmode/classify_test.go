package runmode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/logmonitor"
)

var testParser = logmonitor.TimeParser{Layout: logLayout, Start: 1, End: 20}

func at(ts time.Time, msg string) string {
	return "[" + ts.Format(logLayout) + ".000][INF] " + msg
}

func TestMAAClassifier(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	c := &MAAClassifier{Parser: testParser}

	tests := []struct {
		name     string
		lines    []string
		alive    bool
		expected []string
		want     domain.ResultKind
	}{
		{"still working", []string{at(now, "开始任务: StartUp")}, true, nil, domain.ResultRunning},
		{"no task selected", []string{at(now, "未选择任务")}, true, nil, domain.ResultFailure},
		{"login failed", []string{at(now, "任务出错: 开始唤醒")}, true, nil, domain.ResultFailure},
		{"connection settings", []string{at(now, "请 ｢检查连接设置｣")}, true, nil, domain.ResultDeviceError},
		{"adb failed", []string{at(now, "连接模拟器失败")}, true, nil, domain.ResultDeviceError},
		{"all done", []string{at(now, "完成任务: StartUp"), at(now, "任务已全部完成！")}, true, []string{"StartUp"}, domain.ResultSuccess},
		{"all done with missing task", []string{at(now, "完成任务: StartUp"), at(now, "任务已全部完成！")}, true, []string{"StartUp", "刷理智"}, domain.ResultFailure},
		{"stopped", []string{at(now, "已停止")}, true, nil, domain.ResultFailure},
		{"gui exited", []string{at(now, "MaaAssistantArknights GUI exited")}, true, nil, domain.ResultFailure},
		{"process gone", []string{at(now, "开始任务: StartUp")}, false, nil, domain.ResultFailure},
		{"stalled", []string{at(now.Add(-2*time.Hour), "开始任务: StartUp")}, true, nil, domain.ResultTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(Observation{
				Lines:         tt.lines,
				Now:           now,
				StartedAt:     now.Add(-3 * time.Hour),
				TimeLimit:     time.Hour,
				ProcessAlive:  tt.alive,
				ExpectedTasks: tt.expected,
			})
			assert.Equal(t, tt.want, got.Kind, got.Detail)
		})
	}
}

func TestMAAClassifier_StallFallsBackToStart(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	c := &MAAClassifier{Parser: testParser}

	got := c.Classify(Observation{Now: now, StartedAt: now.Add(-2 * time.Minute), TimeLimit: time.Minute, ProcessAlive: true})
	assert.Equal(t, domain.ResultTimeout, got.Kind)
	assert.Contains(t, got.Detail, "2m0s")

	got = c.Classify(Observation{Now: now, StartedAt: now.Add(-30 * time.Second), TimeLimit: time.Minute, ProcessAlive: true})
	assert.Equal(t, domain.ResultRunning, got.Kind)
}

func TestMarkerClassifier(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.Local)
	c := &MarkerClassifier{Parser: testParser, Success: []string{"ALL OK"}, Failure: []string{"FATAL"}}

	obs := func(alive bool, lines ...string) Observation {
		return Observation{Lines: lines, Now: now, StartedAt: now, TimeLimit: time.Hour, ProcessAlive: alive}
	}

	assert.Equal(t, domain.ResultRunning, c.Classify(obs(true, at(now, "working"))).Kind)
	assert.Equal(t, domain.ResultSuccess, c.Classify(obs(true, at(now, "ALL OK"))).Kind)
	assert.Equal(t, domain.ResultFailure, c.Classify(obs(true, at(now, "ALL OK"), at(now, "FATAL"))).Kind)
	assert.Equal(t, domain.ResultFailure, c.Classify(obs(false, at(now, "working"))).Kind)

	bare := &MarkerClassifier{Parser: testParser}
	assert.Equal(t, domain.ResultSuccess, bare.Classify(obs(false)).Kind, "exit counts as success without success markers")
}

func TestNewClassifier(t *testing.T) {
	_, ok := NewClassifier(config.ScriptConfig{Kind: string(domain.KindMAA)}).(*MAAClassifier)
	assert.True(t, ok)
	_, ok = NewClassifier(config.ScriptConfig{Kind: string(domain.KindGeneral)}).(*MarkerClassifier)
	assert.True(t, ok)
}

func TestUpdatePending(t *testing.T) {
	assert.False(t, UpdatePending([]string{"nothing"}))
	assert.True(t, UpdatePending([]string{"x", "[..] 发现新版本 v5.1.0"}))
	assert.True(t, UpdatePending([]string{"New version found: v5.1.0"}))
}

func TestExpectedTasks(t *testing.T) {
	u := config.UserConfig{Tasks: []string{"StartUp", "Mall"}}
	assert.Equal(t, []string{"刷理智"}, ExpectedTasks(domain.KindMAA, u, domain.PhaseIntensive))
	assert.Equal(t, []string{"StartUp", "Mall"}, ExpectedTasks(domain.KindMAA, u, domain.PhaseRoutine))
	assert.Nil(t, ExpectedTasks(domain.KindGeneral, u, domain.PhaseRoutine))
}
