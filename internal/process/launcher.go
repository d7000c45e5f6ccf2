// Package process launches external tools and keeps a handle on the process
// that actually does the work.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	gops "github.com/shirou/gopsutil/v4/process"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
)

// ErrAlreadyOpen is returned when Open is called twice on one handle.
var ErrAlreadyOpen = errors.New("process handle already opened")

const (
	defaultTrackTimeout  = 60 * time.Second
	defaultTrackInterval = 500 * time.Millisecond
	defaultKillGrace     = 5 * time.Second
	outputTailLines      = 200
)

// Options configures a Launcher
type Options struct {
	// Dir is the working directory; defaults to the executable's directory.
	Dir string
	Env []string
	// OnLine receives every stdout and stderr line.
	OnLine func(line string)
	// TeeFile, if set, receives every output line so the output can be tailed like a log.
	TeeFile string
	// TeeTimeLayout, if set, prefixes every teed line with "[<now>] ".
	TeeTimeLayout string
	TrackTimeout  time.Duration
	TrackInterval time.Duration
	KillGrace     time.Duration
	Pool          *Pool
}

// Launcher is a single-use handle on one launched tool. A new attempt must
// construct a new Launcher.
type Launcher struct {
	opts Options

	mu      sync.Mutex
	opened  bool
	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	tracked *gops.Process
	tee     *os.File
	output  []string
}

// New creates an unopened launcher
func New(opts Options) *Launcher {
	if opts.TrackTimeout <= 0 {
		opts.TrackTimeout = defaultTrackTimeout
	}
	if opts.TrackInterval <= 0 {
		opts.TrackInterval = defaultTrackInterval
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Pool == nil {
		opts.Pool = DefaultPool()
	}
	return &Launcher{opts: opts}
}

// Open starts path with args. When track is non-nil the handle follows the
// first process matching it instead of the spawned one, failing with
// domain.ErrNotFound if none shows up within the tracking timeout.
func (l *Launcher) Open(ctx context.Context, path string, args []string, track *Target) error {
	if err := l.claim(); err != nil {
		return err
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = l.opts.Dir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(path)
	}
	if len(l.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), l.opts.Env...)
	}
	if err := l.start(cmd); err != nil {
		return fmt.Errorf("starting %s: %w", filepath.Base(path), err)
	}
	log.Debug("process started", "path", path, "pid", cmd.Process.Pid)

	if track != nil && !track.IsZero() {
		return l.track(ctx, *track)
	}
	return nil
}

// OpenURL hands url to the platform protocol handler and tracks the process
// it starts. Without a target the handle has nothing to follow.
func (l *Launcher) OpenURL(ctx context.Context, url string, track *Target) error {
	if err := l.claim(); err != nil {
		return err
	}

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := l.opts.Pool.Do(ctx, func(context.Context) error { return cmd.Run() }); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}

	if track == nil || track.IsZero() {
		return nil
	}
	return l.track(ctx, *track)
}

func (l *Launcher) claim() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return ErrAlreadyOpen
	}
	l.opened = true
	return nil
}

func (l *Launcher) start(cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	var tee *os.File
	if l.opts.TeeFile != "" {
		if err := os.MkdirAll(filepath.Dir(l.opts.TeeFile), 0755); err != nil {
			return err
		}
		tee, err = os.OpenFile(l.opts.TeeFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("creating tee file: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		if tee != nil {
			tee.Close()
		}
		return err
	}

	l.mu.Lock()
	l.cmd = cmd
	l.tee = tee
	l.exited = make(chan struct{})
	l.mu.Unlock()

	go l.stream(stdout, stderr)
	return nil
}

func (l *Launcher) stream(stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	readLines := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			l.mu.Lock()
			l.output = append(l.output, line)
			if len(l.output) > outputTailLines {
				l.output = l.output[len(l.output)-outputTailLines:]
			}
			if l.tee != nil {
				if l.opts.TeeTimeLayout != "" {
					l.tee.WriteString("[" + time.Now().Format(l.opts.TeeTimeLayout) + "] ")
				}
				l.tee.WriteString(line + "\n")
				l.tee.Sync()
			}
			onLine := l.opts.OnLine
			l.mu.Unlock()
			if onLine != nil {
				onLine(line)
			}
		}
	}

	go readLines(stdout)
	go readLines(stderr)
	wg.Wait()

	err := l.cmd.Wait()

	l.mu.Lock()
	l.waitErr = err
	if l.tee != nil {
		l.tee.Close()
		l.tee = nil
	}
	close(l.exited)
	l.mu.Unlock()
}

func (l *Launcher) track(ctx context.Context, t Target) error {
	deadline := time.NewTimer(l.opts.TrackTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.TrackInterval)
	defer ticker.Stop()

	for {
		var (
			found *gops.Process
			ok    bool
		)
		err := l.opts.Pool.Do(ctx, func(ctx context.Context) error {
			var err error
			found, ok, err = Find(ctx, t)
			return err
		})
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if ok {
			l.mu.Lock()
			l.tracked = found
			l.mu.Unlock()
			log.Debug("process tracked", "target", t.String(), "pid", found.Pid)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("tracking %s: %w", t, domain.ErrNotFound)
		case <-ticker.C:
		}
	}
}

// PID returns the followed process id, or 0
func (l *Launcher) PID() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tracked != nil {
		return l.tracked.Pid
	}
	if l.cmd != nil && l.cmd.Process != nil {
		return int32(l.cmd.Process.Pid)
	}
	return 0
}

// IsRunning reports whether the followed process is alive
func (l *Launcher) IsRunning() bool {
	l.mu.Lock()
	tracked, exited := l.tracked, l.exited
	l.mu.Unlock()

	if tracked != nil {
		running, err := tracked.IsRunning()
		return err == nil && running
	}
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// Wait blocks until the spawned process exits and returns its exit error.
func (l *Launcher) Wait(ctx context.Context) error {
	l.mu.Lock()
	exited := l.exited
	l.mu.Unlock()
	if exited == nil {
		return nil
	}
	select {
	case <-exited:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Output returns the most recent output lines
func (l *Launcher) Output() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.output...)
}

// Kill stops the followed process and the spawned one if still alive.
// Without force it asks politely first and escalates after the grace
// period. Killing a stopped or never-opened handle is a no-op.
func (l *Launcher) Kill(force bool) error {
	l.mu.Lock()
	tracked, cmd, exited := l.tracked, l.cmd, l.exited
	l.mu.Unlock()

	var errs []error
	if tracked != nil {
		errs = append(errs, l.stop(tracked, force))
	}
	if cmd != nil && cmd.Process != nil && l.spawnedAlive(exited) {
		errs = append(errs, l.stopSpawned(cmd, exited, force))
	}
	return errors.Join(errs...)
}

func (l *Launcher) spawnedAlive(exited chan struct{}) bool {
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// stopSpawned waits on the reaper goroutine rather than polling the process
// table, since our own child lingers as a zombie until it is reaped.
func (l *Launcher) stopSpawned(cmd *exec.Cmd, exited chan struct{}, force bool) error {
	if !force {
		if p, err := gops.NewProcess(int32(cmd.Process.Pid)); err == nil {
			p.Terminate()
		}
		select {
		case <-exited:
			return nil
		case <-time.After(l.opts.KillGrace):
		}
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", cmd.Process.Pid, err)
	}
	select {
	case <-exited:
	case <-time.After(l.opts.KillGrace):
		log.Warn("killed process output still open", "pid", cmd.Process.Pid)
	}
	return nil
}

func (l *Launcher) stop(p *gops.Process, force bool) error {
	if running, err := p.IsRunning(); err != nil || !running {
		return nil
	}
	if !force {
		if err := p.Terminate(); err == nil && waitGone(p, l.opts.KillGrace) {
			return nil
		}
	}
	if err := p.Kill(); err != nil {
		if running, _ := p.IsRunning(); !running {
			return nil
		}
		return fmt.Errorf("killing pid %d: %w", p.Pid, err)
	}
	return nil
}

func waitGone(p *gops.Process, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if running, err := p.IsRunning(); err != nil || !running {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
