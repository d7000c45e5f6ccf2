package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// LDPlayer drives LDPlayer 9 instances through ldconsole.
type LDPlayer struct {
	console Console
	boot    time.Duration
}

// NewLDPlayer creates an LDPlayer driver
func NewLDPlayer(console Console, boot time.Duration) *LDPlayer {
	return &LDPlayer{console: console, boot: boot}
}

func (d *LDPlayer) Open(ctx context.Context, index int, pkg string) (Info, error) {
	args := []string{"launch", "--index", strconv.Itoa(index)}
	if pkg != "" {
		args = []string{"launchex", "--index", strconv.Itoa(index), "--packagename", pkg}
	}
	if _, err := d.console(ctx, args...); err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrResourceAcquisition, err)
	}
	if err := waitRunning(ctx, d.boot, func(ctx context.Context) (Status, error) { return d.Status(ctx, index) }); err != nil {
		return Info{}, err
	}
	return d.Info(ctx, index)
}

func (d *LDPlayer) Close(ctx context.Context, index int) error {
	_, err := d.console(ctx, "quit", "--index", strconv.Itoa(index))
	return err
}

func (d *LDPlayer) Status(ctx context.Context, index int) (Status, error) {
	out, err := d.console(ctx, "isrunning", "--index", strconv.Itoa(index))
	if err != nil {
		return StatusUnknown, err
	}
	if strings.TrimSpace(out) == "running" {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// SetVisible is not offered by ldconsole.
func (d *LDPlayer) SetVisible(context.Context, int, bool) error {
	return fmt.Errorf("ldplayer window visibility: %w", errors.ErrUnsupported)
}

// Info parses the matching row of "ldconsole list2":
// index,title,top hwnd,bind hwnd,android started,pid,vbox pid
func (d *LDPlayer) Info(ctx context.Context, index int) (Info, error) {
	out, err := d.console(ctx, "list2")
	if err != nil {
		return Info{Index: index, Status: StatusUnknown}, err
	}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) < 6 || fields[0] != strconv.Itoa(index) {
			continue
		}
		info := Info{
			Index:      index,
			Name:       fields[1],
			Status:     StatusStopped,
			ADBAddress: fmt.Sprintf("127.0.0.1:%d", 5555+2*index),
		}
		if fields[4] == "1" {
			info.Status = StatusRunning
		} else if pid, _ := strconv.Atoi(fields[5]); pid > 0 {
			info.Status = StatusStarting
		}
		if pid, err := strconv.Atoi(fields[5]); err == nil && pid > 0 {
			info.PID = int32(pid)
		}
		return info, nil
	}
	return Info{Index: index, Status: StatusUnknown}, fmt.Errorf("ldplayer instance %d: %w", index, domain.ErrNotFound)
}
