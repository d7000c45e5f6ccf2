package runmode

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/device"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/log"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/process"
)

// session owns the device and tool process of one attempt. teardown is
// idempotent so both the attempt and the final task may call it.
type session struct {
	sc     config.ScriptConfig
	driver device.Driver
	deps   Deps

	mu         sync.Mutex
	deviceOpen bool
	proc       Process
}

func newSession(sc config.ScriptConfig, driver device.Driver, deps Deps) *session {
	return &session{sc: sc, driver: driver, deps: deps}
}

// openDevice boots the device. The device counts as held even when Open
// fails so that teardown releases whatever was started.
func (s *session) openDevice(ctx context.Context) (device.Info, error) {
	s.mu.Lock()
	s.deviceOpen = true
	s.mu.Unlock()
	info, err := s.driver.Open(ctx, s.sc.Device.Index, s.sc.Device.Package)
	if err != nil || !s.sc.Device.Hidden {
		return info, err
	}
	if err := s.driver.SetVisible(ctx, s.sc.Device.Index, false); err != nil {
		log.Warn("hiding device window failed", "script", s.sc.Name, "index", s.sc.Device.Index, "error", err)
	}
	return info, nil
}

func (s *session) launch(ctx context.Context) error {
	opts := process.Options{Dir: s.sc.RootPath}
	if s.sc.LogPath == "" {
		opts.TeeFile = logPath(s.sc, s.deps.Tools.DataDir)
		opts.TeeTimeLayout = s.sc.LogTimeFormat
	}
	proc := s.deps.Processes(opts)

	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	track := trackTarget(s.sc.TrackProcess)
	if isURL(s.sc.ExePath) {
		return proc.OpenURL(ctx, s.sc.ExePath, track)
	}
	return proc.Open(ctx, s.sc.ExePath, s.sc.Args, track)
}

// isURL reports whether target names a protocol handler such as
// steam://rungameid/123 rather than an executable. Single-letter schemes are
// Windows drive letters.
func isURL(target string) bool {
	u, err := url.Parse(target)
	if err != nil || len(u.Scheme) < 2 || u.Scheme == "file" {
		return false
	}
	return strings.Contains(target, "://")
}

func (s *session) alive() bool {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	return proc != nil && proc.IsRunning()
}

// outputTail returns the last lines the tool printed, if its handle keeps them.
func (s *session) outputTail() []string {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if o, ok := proc.(interface{ Output() []string }); ok {
		return o.Output()
	}
	return nil
}

func (s *session) teardown(ctx context.Context) {
	s.mu.Lock()
	proc, open := s.proc, s.deviceOpen
	s.proc, s.deviceOpen = nil, false
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Kill(false); err != nil {
			log.Warn("stopping tool failed", "script", s.sc.Name, "error", err)
		}
	}
	if open {
		if err := s.driver.Close(ctx, s.sc.Device.Index); err != nil {
			log.Warn("closing device failed", "script", s.sc.Name, "index", s.sc.Device.Index, "error", err)
		}
	}
}

// logPath is the file the monitor tails. Tools without a log file of their
// own get their output teed into the data directory.
func logPath(sc config.ScriptConfig, dataDir string) string {
	if sc.LogPath != "" {
		return sc.LogPath
	}
	return filepath.Join(dataDir, "scripts", sc.ID, "output.log")
}

func trackTarget(spec string) *process.Target {
	if spec == "" {
		return nil
	}
	if strings.ContainsAny(spec, `/\`) {
		return &process.Target{Exe: spec}
	}
	return &process.Target{Name: spec}
}

// waitForFile polls for path until it exists or wait elapses.
func waitForFile(ctx context.Context, path string, wait, poll time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("log file %s did not appear within %s", path, wait)
		case <-ticker.C:
		}
	}
}
