package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

func entry(user string, at time.Time, res domain.Result) Entry {
	return Entry{ScriptID: "s1", Script: "Official", UserID: "id-" + user, User: user, Phase: domain.PhaseRoutine, Attempt: 1, StartedAt: at, Status: res}
}

func TestRecordAndLoad(t *testing.T) {
	rec := NewRecorder(t.TempDir())
	at := time.Date(2026, 3, 10, 4, 30, 15, 0, time.Local)

	path, err := rec.Record(entry("alice", at, domain.Success()), []string{"line one", "line two"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(rec.Root(), "2026-03-10", "alice", "04-30-15.000.json"), path)

	// same second does not overwrite
	path2, err := rec.Record(entry("alice", at, domain.Timeout("stalled")), nil)
	require.NoError(t, err)
	assert.NotEqual(t, path, path2)

	entries, err := rec.Load(at.AddDate(0, 0, -1), at)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[0].Lines+entries[1].Lines)

	var withLines Entry
	for _, e := range entries {
		if e.Status.IsSuccess() {
			withLines = e
		}
	}
	lines, err := ReadLog(withLines)
	require.NoError(t, err)
	assert.Equal(t, []string{"line one", "line two"}, lines)
}

func TestLoadFiltersByDate(t *testing.T) {
	rec := NewRecorder(t.TempDir())
	d1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	d2 := time.Date(2026, 3, 20, 10, 0, 0, 0, time.Local)
	_, err := rec.Record(entry("bob", d1, domain.Success()), nil)
	require.NoError(t, err)
	_, err = rec.Record(entry("bob", d2, domain.Success()), nil)
	require.NoError(t, err)

	entries, err := rec.Load(d2, d2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].StartedAt.Equal(d2))
}

func TestLoadMissingRoot(t *testing.T) {
	rec := NewRecorder(filepath.Join(t.TempDir(), "nope"))
	entries, err := rec.Load(time.Now(), time.Now())
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordSanitizesUserName(t *testing.T) {
	rec := NewRecorder(t.TempDir())
	at := time.Date(2026, 3, 10, 4, 0, 0, 0, time.Local)
	_, err := rec.Record(entry("a/b:c", at, domain.Success()), nil)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(rec.Root(), "2026-03-10", "a_b_c"))
	assert.NoError(t, err)
}

func TestAggregate(t *testing.T) {
	mon := time.Date(2026, 3, 9, 5, 0, 0, 0, time.Local) // ISO week 11
	entries := []Entry{
		entry("alice", mon, domain.Timeout("stalled")),
		entry("alice", mon.Add(time.Hour), domain.Success()),
		entry("bob", mon.AddDate(0, 0, 1), domain.DeviceError("adb")),
		entry("alice", mon.AddDate(0, 0, 7), domain.Success()),
	}
	entries[0].Judgment = &domain.Judgment{Provider: "openai"}

	days := Aggregate(entries, Day)
	require.Len(t, days, 3)
	assert.Equal(t, "2026-03-09", days[0].Key)
	require.Len(t, days[0].Users, 1)
	assert.Equal(t, 2, days[0].Users[0].Attempts)
	assert.Equal(t, 1, days[0].Users[0].Successes)
	assert.Equal(t, 1, days[0].Users[0].Failures)
	assert.Equal(t, 1, days[0].Users[0].Judged)

	weeks := Aggregate(entries, Week)
	require.Len(t, weeks, 2)
	assert.Equal(t, "2026-W11", weeks[0].Key)
	require.Len(t, weeks[0].Users, 2)
	assert.Equal(t, "alice", weeks[0].Users[0].User)
	assert.Equal(t, "adb", weeks[0].Users[1].LastError)

	months := Aggregate(entries, Month)
	require.Len(t, months, 1)
	assert.Equal(t, "2026-03", months[0].Key)
	assert.Equal(t, 3, months[0].Users[0].Attempts)
}

func TestParsePeriod(t *testing.T) {
	p, err := ParsePeriod("")
	require.NoError(t, err)
	assert.Equal(t, Day, p)
	_, err = ParsePeriod("year")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
