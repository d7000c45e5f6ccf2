package logmonitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const layout = "2006-01-02 15:04:05"

var maaParser = TimeParser{Layout: layout, Start: 1, End: 20}

func stamp(t time.Time, msg string) string {
	return "[" + t.Format(layout) + ".123][INF] " + msg
}

func TestTimeParser(t *testing.T) {
	ts, ok := maaParser.Parse("[2026-03-01 04:05:06.789][INF] hello")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 1, 4, 5, 6, 0, time.Local), ts)

	_, ok = maaParser.Parse("short")
	assert.False(t, ok)
	_, ok = maaParser.Parse("[not a timestamp at all][INF] x")
	assert.False(t, ok)
}

func TestExtractTail(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	lines := []string{
		stamp(base.Add(-time.Minute), "old run"),
		"continuation of old run",
		stamp(base, "same second as start"),
		stamp(base.Add(time.Second), "new run starts"),
		"  stack line without timestamp",
		stamp(base.Add(-time.Hour), "clock skew inside new run"),
		stamp(base.Add(2*time.Second), "later"),
	}
	in := strings.Join(lines, "\n")

	got, err := ExtractTail(strings.NewReader(in), maaParser, base)
	require.NoError(t, err)
	assert.Equal(t, lines[3:], got)
}

func TestExtractTail_Suffix(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, stamp(base.Add(time.Duration(i)*time.Second), "step"))
	}
	in := strings.Join(lines, "\n")

	early, err := ExtractTail(strings.NewReader(in), maaParser, base.Add(2*time.Second))
	require.NoError(t, err)
	late, err := ExtractTail(strings.NewReader(in), maaParser, base.Add(6*time.Second))
	require.NoError(t, err)

	require.NotEmpty(t, late)
	assert.Equal(t, early[len(early)-len(late):], late, "later start yields a suffix")
}

func TestReadTail_MissingOrStale(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	got, err := ReadTail(filepath.Join(dir, "missing.log"), maaParser, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, got)

	path := filepath.Join(dir, "gui.log")
	require.NoError(t, os.WriteFile(path, []byte(stamp(now, "x")+"\n"), 0644))
	yesterday := now.AddDate(0, 0, -1)
	require.NoError(t, os.Chtimes(path, yesterday, yesterday))

	got, err = ReadTail(path, maaParser, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, got, "file not modified today is ignored")
}

func TestExtractTail_LongLine(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	long := strings.Repeat("任", 1<<20)
	in := strings.Join([]string{
		stamp(base.Add(time.Second), "before"),
		long,
		stamp(base.Add(2*time.Second), "after"),
	}, "\n")

	got, err := ExtractTail(strings.NewReader(in), maaParser, base)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.LessOrEqual(t, len(got[1]), maxLineBytes)
	assert.True(t, utf8.ValidString(got[1]), "cut lands on a rune boundary")
	assert.Equal(t, stamp(base.Add(2*time.Second), "after"), got[2])
}

func TestExtractTail_BlankAndCRLF(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	in := stamp(base.Add(time.Second), "a") + "\r\n\r\n" + stamp(base.Add(2*time.Second), "b")

	got, err := ExtractTail(strings.NewReader(in), maaParser, base)
	require.NoError(t, err)
	assert.Equal(t, []string{stamp(base.Add(time.Second), "a"), "", stamp(base.Add(2*time.Second), "b")}, got)
}

type recorder struct {
	mu    sync.Mutex
	tails [][]string
}

func (r *recorder) cb(lines []string) {
	r.mu.Lock()
	r.tails = append(r.tails, lines)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tails)
}

func (r *recorder) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tails) == 0 {
		return nil
	}
	return r.tails[len(r.tails)-1]
}

func TestMonitor_DeliversChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gui.log")
	since := time.Now().Add(-time.Hour)

	m := New(Options{Parser: maaParser, PollInterval: 20 * time.Millisecond, Heartbeat: time.Hour})
	rec := &recorder{}
	require.NoError(t, m.Start(context.Background(), path, since, rec.cb))
	defer m.Stop()

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, rec.last(), "missing file gives an empty tail")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(stamp(time.Now(), "first") + "\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.last()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = f.WriteString(stamp(time.Now(), "second") + "\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.last()) == 2 }, 2*time.Second, 10*time.Millisecond)

	n := rec.count()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "unchanged tail is not redelivered before the heartbeat")
}

func TestMonitor_Heartbeat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui.log")
	require.NoError(t, os.WriteFile(path, []byte(stamp(time.Now(), "steady")+"\n"), 0644))

	m := New(Options{Parser: maaParser, PollInterval: 10 * time.Millisecond, Heartbeat: 50 * time.Millisecond})
	rec := &recorder{}
	require.NoError(t, m.Start(context.Background(), path, time.Now().Add(-time.Hour), rec.cb))
	defer m.Stop()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_StopIsIdempotentAndRestartable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui.log")
	m := New(Options{Parser: maaParser, PollInterval: 10 * time.Millisecond})

	m.Stop()
	rec := &recorder{}
	require.NoError(t, m.Start(context.Background(), path, time.Now(), rec.cb))
	require.NoError(t, m.Start(context.Background(), path, time.Now(), rec.cb))
	m.Stop()
	m.Stop()

	n := rec.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, rec.count(), "no callbacks after Stop")
}

func TestMonitor_HeartbeatSurvivesLongLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui.log")
	now := time.Now()
	body := stamp(now, "before") + "\n" + strings.Repeat("x", 2<<20) + "\n" + stamp(now, "after") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	m := New(Options{Parser: maaParser, PollInterval: 10 * time.Millisecond, Heartbeat: 50 * time.Millisecond})
	rec := &recorder{}
	require.NoError(t, m.Start(context.Background(), path, now.Add(-time.Hour), rec.cb))
	defer m.Stop()

	require.Eventually(t, func() bool { return rec.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	last := rec.last()
	require.Len(t, last, 3)
	assert.Contains(t, last[2], "after")
}
