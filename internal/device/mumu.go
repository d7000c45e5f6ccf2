package device

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// MuMu drives MuMu Player 12 instances through MuMuManager.
type MuMu struct {
	console Console
	boot    time.Duration
}

// NewMuMu creates a MuMu driver
func NewMuMu(console Console, boot time.Duration) *MuMu {
	return &MuMu{console: console, boot: boot}
}

type mumuInfo struct {
	Name             string `json:"name"`
	IsProcessStarted bool   `json:"is_process_started"`
	IsAndroidStarted bool   `json:"is_android_started"`
	ADBHostIP        string `json:"adb_host_ip"`
	ADBPort          int    `json:"adb_port"`
	PID              int32  `json:"pid"`
}

func (m *MuMu) Open(ctx context.Context, index int, pkg string) (Info, error) {
	args := []string{"control", "-v", strconv.Itoa(index), "launch"}
	if pkg != "" {
		args = append(args, "-pkg", pkg)
	}
	if _, err := m.console(ctx, args...); err != nil {
		return Info{}, fmt.Errorf("%w: %v", domain.ErrResourceAcquisition, err)
	}
	if err := waitRunning(ctx, m.boot, func(ctx context.Context) (Status, error) { return m.Status(ctx, index) }); err != nil {
		return Info{}, err
	}
	return m.Info(ctx, index)
}

func (m *MuMu) Close(ctx context.Context, index int) error {
	_, err := m.console(ctx, "control", "-v", strconv.Itoa(index), "shutdown")
	return err
}

func (m *MuMu) Status(ctx context.Context, index int) (Status, error) {
	info, err := m.Info(ctx, index)
	return info.Status, err
}

func (m *MuMu) SetVisible(ctx context.Context, index int, visible bool) error {
	action := "hide_window"
	if visible {
		action = "show_window"
	}
	_, err := m.console(ctx, "control", "-v", strconv.Itoa(index), action)
	return err
}

func (m *MuMu) Info(ctx context.Context, index int) (Info, error) {
	out, err := m.console(ctx, "info", "-v", strconv.Itoa(index))
	if err != nil {
		return Info{Index: index, Status: StatusUnknown}, err
	}
	var raw mumuInfo
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return Info{Index: index, Status: StatusUnknown}, fmt.Errorf("parsing mumu info: %w", err)
	}

	info := Info{Index: index, Name: raw.Name, PID: raw.PID, Status: StatusStopped}
	switch {
	case raw.IsAndroidStarted:
		info.Status = StatusRunning
	case raw.IsProcessStarted:
		info.Status = StatusStarting
	}
	if raw.ADBHostIP != "" && raw.ADBPort != 0 {
		info.ADBAddress = fmt.Sprintf("%s:%d", raw.ADBHostIP, raw.ADBPort)
	}
	return info, nil
}
