package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
)

func TestAnswerPrompt(t *testing.T) {
	review := events.Prompt{ID: "p1", Options: []string{"success", "failure"}}
	free := events.Prompt{ID: "p2"}

	tests := []struct {
		name   string
		prompt events.Prompt
		line   string
		want   string
		ok     bool
	}{
		{"by number", review, "2", "failure", true},
		{"by name", review, " Success ", "success", true},
		{"out of range", review, "3", "", false},
		{"unknown option", review, "maybe", "", false},
		{"empty", review, "  ", "", false},
		{"free text", free, "looks fine", "looks fine", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := answerPrompt(tt.prompt, tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.prompt.ID, msg.ID)
			assert.Equal(t, tt.want, msg.String("answer"))
		})
	}
}

func TestRenderEvent(t *testing.T) {
	running := &domain.ScriptRunState{Name: "main", Status: domain.StatusRunning}
	assert.Empty(t, renderEvent(events.Event{Kind: events.KindUpdate, Payload: running}))

	done := &domain.ScriptRunState{Name: "main", Status: domain.StatusDone}
	assert.Contains(t, renderEvent(events.Event{Kind: events.KindUpdate, Payload: done}), "main done")

	notice := renderEvent(events.Event{Kind: events.KindInfo, Payload: events.Notice{Level: "warning", Text: "retrying"}})
	assert.Contains(t, notice, "retrying")

	prompt := renderEvent(events.Event{Kind: events.KindMessage, Payload: events.Prompt{
		Title: "Review alice", Options: []string{"success", "failure"},
	}})
	assert.Contains(t, prompt, "Review alice")
	assert.Contains(t, prompt, "[2] failure")

	fin := renderEvent(events.Event{Kind: events.KindSignal, Payload: events.Completion{Outcome: "error", Error: "boom"}})
	assert.Contains(t, fin, "error")
	assert.Contains(t, fin, "boom")
}

func TestRenderRuns(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	runs := []taskstore.Run{{
		ID:         "r1",
		Mode:       domain.ModeAutoRun,
		TargetID:   "daily",
		Outcome:    "done",
		StartedAt:  now.Add(-3 * time.Hour),
		FinishedAt: now.Add(-3*time.Hour + 90*time.Second),
	}}

	out := renderRuns(runs, now)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "OUTCOME")
	assert.Contains(t, lines[1], "3 hours ago")
	assert.Contains(t, lines[1], "1m30s")
}

func TestRenderRun_Attempts(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	run := taskstore.Run{
		ID:       "r1",
		Mode:     domain.ModeAutoRun,
		TargetID: "daily",
		Outcome:  "error",
		Error:    "device offline",
		Attempts: []taskstore.Attempt{
			{Script: "main", User: "alice", Phase: domain.PhaseRoutine, Attempt: 1, Status: domain.ResultDeviceError, Detail: "adb refused"},
			{Script: "main", User: "alice", Phase: domain.PhaseRoutine, Attempt: 2, Status: domain.ResultSuccess, JudgedBy: "openai"},
		},
	}

	out := renderRun(run, now)
	assert.Contains(t, out, "device offline")
	assert.Contains(t, out, "adb refused")
	assert.Contains(t, out, "openai")
	assert.Equal(t, 1, strings.Count(out, "SCRIPT"))
}

func TestRenderHistory(t *testing.T) {
	summaries := []history.Summary{{
		Key: "2026-03-10",
		Users: []*history.UserSummary{
			{Script: "main", User: "alice", Attempts: 1200, Successes: 1100, Failures: 100, LastError: "stalled"},
			{Script: "main", User: "bob", Attempts: 1, Successes: 1},
		},
	}}

	out := renderHistory(summaries)
	assert.Contains(t, out, "2026-03-10")
	assert.Contains(t, out, "1,200")
	assert.Contains(t, out, "stalled")
	assert.Contains(t, out, "bob")
}

func TestRenderEntry(t *testing.T) {
	e := history.Entry{
		Script:    "main",
		User:      "alice",
		Phase:     domain.PhaseRoutine,
		Attempt:   2,
		StartedAt: time.Date(2026, 3, 10, 4, 0, 5, 0, time.Local),
		Status:    domain.Failure("stalled"),
		Judgment:  &domain.Judgment{Provider: "openai"},
	}

	out := renderEntry(e, []string{"line one", "line two"})
	assert.Contains(t, out, "2026-03-10 04:00:05 main/alice routine #2")
	assert.Contains(t, out, "stalled")
	assert.Contains(t, out, "judged by openai")
	assert.Contains(t, out, "    line two\n")
}

func TestFilterUser(t *testing.T) {
	entries := []history.Entry{
		{UserID: "u1", User: "alice"},
		{UserID: "u2", User: "bob"},
		{UserID: "u1", User: "alice"},
	}
	assert.Len(t, filterUser(entries, "alice"), 2)
	assert.Len(t, filterUser(entries, "u2"), 1)
	assert.Empty(t, filterUser(entries, "carol"))
}
