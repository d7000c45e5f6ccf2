// Package device abstracts the emulator or machine a tool drives. Every
// backend satisfies one Driver interface and is chosen by configuration.
package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/process"
)

// Status is the power state of a device instance
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusUnknown  Status = "unknown"
)

// Info describes a device instance
type Info struct {
	Index      int    `json:"index"`
	Name       string `json:"name,omitempty"`
	Status     Status `json:"status"`
	ADBAddress string `json:"adb_address,omitempty"`
	PID        int32  `json:"pid,omitempty"`
}

// Driver controls device instances by index
type Driver interface {
	// Open boots the instance, optionally starting pkg, and waits until it runs.
	Open(ctx context.Context, index int, pkg string) (Info, error)
	Close(ctx context.Context, index int) error
	Status(ctx context.Context, index int) (Status, error)
	SetVisible(ctx context.Context, index int, visible bool) error
	Info(ctx context.Context, index int) (Info, error)
}

const defaultBootWait = 60 * time.Second

// New builds the driver named by cfg.Driver
func New(cfg config.DeviceConfig, pool *process.Pool) (Driver, error) {
	if pool == nil {
		pool = process.DefaultPool()
	}
	boot := time.Duration(cfg.BootWait) * time.Second
	if boot <= 0 {
		boot = defaultBootWait
	}

	switch cfg.Driver {
	case "", "none":
		return None{}, nil
	case "general":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: general device needs a path", domain.ErrValidation)
		}
		return NewGeneral(cfg.Path, boot, pool), nil
	case "mumu":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: mumu device needs the MuMuManager path", domain.ErrValidation)
		}
		return NewMuMu(execConsole(cfg.Path, pool), boot), nil
	case "ldplayer":
		if cfg.Path == "" {
			return nil, fmt.Errorf("%w: ldplayer device needs the ldconsole path", domain.ErrValidation)
		}
		return NewLDPlayer(execConsole(cfg.Path, pool), boot), nil
	}
	return nil, fmt.Errorf("%w: unknown device driver %q", domain.ErrValidation, cfg.Driver)
}

// None is used by tools that need no device.
type None struct{}

func (None) Open(_ context.Context, index int, _ string) (Info, error) {
	return Info{Index: index, Status: StatusRunning}, nil
}
func (None) Close(context.Context, int) error { return nil }
func (None) Status(context.Context, int) (Status, error) {
	return StatusRunning, nil
}
func (None) SetVisible(context.Context, int, bool) error { return nil }
func (None) Info(_ context.Context, index int) (Info, error) {
	return Info{Index: index, Status: StatusRunning}, nil
}

// waitRunning polls status until the instance runs or boot elapses.
func waitRunning(ctx context.Context, boot time.Duration, status func(context.Context) (Status, error)) error {
	ctx, cancel := context.WithTimeout(ctx, boot)
	defer cancel()

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		st, err := status(ctx)
		if err == nil && st == StatusRunning {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: device not running after %s", domain.ErrResourceAcquisition, boot)
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var pollEvery = time.Second
