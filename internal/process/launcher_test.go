package process

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX shell utilities")
	}
}

func shPath(t *testing.T) string {
	t.Helper()
	p, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return p
}

func TestLauncher_CapturesOutput(t *testing.T) {
	skipOnWindows(t)
	tee := filepath.Join(t.TempDir(), "out", "tool.log")

	var mu sync.Mutex
	var lines []string
	l := New(Options{
		TeeFile: tee,
		OnLine: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})

	require.NoError(t, l.Open(context.Background(), shPath(t), []string{"-c", "echo hello; echo oops 1>&2"}, nil))
	require.NoError(t, l.Wait(context.Background()))

	assert.False(t, l.IsRunning())
	mu.Lock()
	assert.ElementsMatch(t, []string{"hello", "oops"}, lines)
	mu.Unlock()
	assert.ElementsMatch(t, []string{"hello", "oops"}, l.Output())

	data, err := os.ReadFile(tee)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello\n")
	assert.Contains(t, string(data), "oops\n")
}

func TestLauncher_SingleUse(t *testing.T) {
	skipOnWindows(t)
	l := New(Options{})
	require.NoError(t, l.Open(context.Background(), shPath(t), []string{"-c", "true"}, nil))
	err := l.Open(context.Background(), shPath(t), []string{"-c", "true"}, nil)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	require.NoError(t, l.Wait(context.Background()))
}

func TestLauncher_KillIsIdempotent(t *testing.T) {
	skipOnWindows(t)
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	l := New(Options{KillGrace: time.Second})
	assert.NoError(t, l.Kill(false), "kill before open is a no-op")

	require.NoError(t, l.Open(context.Background(), sleep, []string{"30"}, nil))
	assert.True(t, l.IsRunning())
	assert.NotZero(t, l.PID())

	require.NoError(t, l.Kill(false))
	assert.False(t, l.IsRunning())
	assert.NoError(t, l.Kill(true))
}

func TestLauncher_TracksExistingProcess(t *testing.T) {
	skipOnWindows(t)
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	target := exec.Command(sleep, "30")
	require.NoError(t, target.Start())
	reaped := make(chan struct{})
	go func() {
		target.Wait()
		close(reaped)
	}()
	defer target.Process.Kill()

	l := New(Options{TrackInterval: 20 * time.Millisecond, TrackTimeout: 5 * time.Second, KillGrace: time.Second})
	track := &Target{PID: int32(target.Process.Pid)}
	require.NoError(t, l.Open(context.Background(), shPath(t), []string{"-c", "true"}, track))

	assert.Equal(t, int32(target.Process.Pid), l.PID())
	assert.True(t, l.IsRunning())

	require.NoError(t, l.Kill(true))
	select {
	case <-reaped:
	case <-time.After(5 * time.Second):
		t.Fatal("tracked process survived Kill")
	}
}

func TestLauncher_TrackTimeout(t *testing.T) {
	skipOnWindows(t)
	l := New(Options{TrackInterval: 20 * time.Millisecond, TrackTimeout: 150 * time.Millisecond})
	track := &Target{Name: "no-such-process-automas-test"}

	err := l.Open(context.Background(), shPath(t), []string{"-c", "true"}, track)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTarget_Matches(t *testing.T) {
	info := procInfo{
		pid:  42,
		name: func() string { return "MAA.exe" },
		exe:  func() string { return "/opt/maa/MAA.exe" },
		args: func() []string { return []string{"/opt/maa/MAA.exe", "--silent"} },
	}

	tests := []struct {
		name   string
		target Target
		want   bool
	}{
		{"pid", Target{PID: 42}, true},
		{"other pid", Target{PID: 7, Name: "MAA.exe"}, false},
		{"name", Target{Name: "MAA.exe"}, true},
		{"name is exact", Target{Name: "MAA"}, false},
		{"exe path", Target{Exe: "/opt/maa/../maa/MAA.exe"}, true},
		{"argv", Target{Args: []string{"/opt/maa/MAA.exe", "--silent"}}, true},
		{"argv must match fully", Target{Args: []string{"/opt/maa/MAA.exe"}}, false},
		{"all criteria", Target{Name: "MAA.exe", Exe: "/opt/maa/MAA.exe"}, true},
		{"empty", Target{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.target.matches(info))
		})
	}
}

func TestTarget_String(t *testing.T) {
	assert.Equal(t, "pid 12", Target{PID: 12}.String())
	assert.Equal(t, "a b", Target{Args: []string{"a", "b"}}.String())
	assert.True(t, strings.HasSuffix(Target{Exe: "/x/tool"}.String(), "tool"))
}

func TestPool_Bounds(t *testing.T) {
	p := NewPool(1)
	ctx, cancel := context.WithCancel(context.Background())

	hold := make(chan struct{})
	go p.Do(context.Background(), func(context.Context) error {
		<-hold
		return nil
	})
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := p.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(hold)
}
