package process

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Target identifies the real process to follow when the launched program is
// only a stub that hands off to another executable.
type Target struct {
	PID  int32
	Name string
	Exe  string
	Args []string
}

// IsZero reports whether no criteria are set
func (t Target) IsZero() bool {
	return t.PID == 0 && t.Name == "" && t.Exe == "" && len(t.Args) == 0
}

func (t Target) String() string {
	switch {
	case t.PID != 0:
		return "pid " + strconv.FormatInt(int64(t.PID), 10)
	case t.Exe != "":
		return t.Exe
	case t.Name != "":
		return t.Name
	}
	return strings.Join(t.Args, " ")
}

type procInfo struct {
	pid  int32
	name func() string
	exe  func() string
	args func() []string
}

// matches compares lazily so a scan only reads the fields the target asks for.
func (t Target) matches(p procInfo) bool {
	if t.PID != 0 {
		return p.pid == t.PID
	}
	if t.Name != "" && p.name() != t.Name {
		return false
	}
	if t.Exe != "" && !samePath(p.exe(), t.Exe) {
		return false
	}
	if len(t.Args) > 0 {
		got := p.args()
		if len(got) != len(t.Args) {
			return false
		}
		for i := range got {
			if got[i] != t.Args[i] {
				return false
			}
		}
	}
	return !t.IsZero()
}

func samePath(a, b string) bool {
	if a == "" {
		return false
	}
	return strings.EqualFold(filepath.Clean(a), filepath.Clean(b))
}

func infoOf(ctx context.Context, p *process.Process) procInfo {
	return procInfo{
		pid: p.Pid,
		name: func() string {
			n, _ := p.NameWithContext(ctx)
			return n
		},
		exe: func() string {
			e, _ := p.ExeWithContext(ctx)
			return e
		},
		args: func() []string {
			a, _ := p.CmdlineSliceWithContext(ctx)
			return a
		},
	}
}

// Find scans the process table once for t
func Find(ctx context.Context, t Target) (*process.Process, bool, error) {
	if t.PID != 0 {
		ok, err := process.PidExistsWithContext(ctx, t.PID)
		if err != nil || !ok {
			return nil, false, err
		}
		p, err := process.NewProcessWithContext(ctx, t.PID)
		if err != nil {
			return nil, false, nil
		}
		return p, true, nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, p := range procs {
		if t.matches(infoOf(ctx, p)) {
			return p, true, nil
		}
	}
	return nil, false, nil
}
