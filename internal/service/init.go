// Package service drives instances and site daemons through the init system
// and measures how much concurrency an instance is serving right now.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/execx"
)

// Init is the init system seen through unit names.
type Init interface {
	Enable(ctx context.Context, unit string) error
	Disable(ctx context.Context, unit string) error
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	ReloadOrRestart(ctx context.Context, unit string) error
	IsActive(ctx context.Context, unit string) (bool, error)
	// MainPID returns the supervising process; pidFile is used by init
	// systems that do not track it themselves. 0 means not running.
	MainPID(ctx context.Context, unit, pidFile string) (int, error)
}

// Systemd runs systemctl.
type Systemd struct {
	Run execx.Runner
}

func (s Systemd) Enable(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "systemctl", "enable", unit)
	return err
}

func (s Systemd) Disable(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "systemctl", "disable", unit)
	return err
}

func (s Systemd) Start(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "systemctl", "start", unit)
	return err
}

func (s Systemd) Stop(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "systemctl", "stop", unit)
	return err
}

func (s Systemd) ReloadOrRestart(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "systemctl", "reload-or-restart", unit)
	return err
}

// IsActive trusts the printed state: is-active exits non-zero for every
// state but "active", which is not a failure of the query itself.
func (s Systemd) IsActive(ctx context.Context, unit string) (bool, error) {
	out, err := s.Run.Run(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(string(out))
	switch {
	case state == "active" || state == "reloading":
		return true, nil
	case state != "":
		return false, nil
	}
	return false, err
}

func (s Systemd) MainPID(ctx context.Context, unit, _ string) (int, error) {
	out, err := s.Run.Run(ctx, "systemctl", "show", "--property=MainPID", "--value", unit)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

// SysV runs chkconfig and the service wrapper of legacy init scripts.
type SysV struct {
	Run execx.Runner
	// ReadFile reads pid files; os.ReadFile when nil.
	ReadFile func(string) ([]byte, error)
}

func (s SysV) Enable(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "/sbin/chkconfig", unit, "on")
	return err
}

func (s SysV) Disable(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "/sbin/chkconfig", unit, "off")
	return err
}

func (s SysV) Start(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "/sbin/service", unit, "start")
	return err
}

func (s SysV) Stop(ctx context.Context, unit string) error {
	_, err := s.Run.Run(ctx, "/sbin/service", unit, "stop")
	return err
}

// ReloadOrRestart falls back to restart when the script has no reload.
func (s SysV) ReloadOrRestart(ctx context.Context, unit string) error {
	if _, err := s.Run.Run(ctx, "/sbin/service", unit, "reload"); err == nil {
		return nil
	}
	_, err := s.Run.Run(ctx, "/sbin/service", unit, "restart")
	return err
}

// IsActive maps the LSB status exit codes: 0 running, 1 to 3 stopped.
func (s SysV) IsActive(ctx context.Context, unit string) (bool, error) {
	_, err := s.Run.Run(ctx, "/sbin/service", unit, "status")
	if err == nil {
		return true, nil
	}
	var ce *execx.CommandError
	if errors.As(err, &ce) {
		if code := ce.ExitCode(); code >= 1 && code <= 3 {
			return false, nil
		}
	}
	return false, err
}

func (s SysV) MainPID(_ context.Context, _ string, pidFile string) (int, error) {
	read := s.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	data, err := read(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", pidFile, err)
	}
	return pid, nil
}

// SystemdRunDir exists while systemd is the running init.
const SystemdRunDir = "/run/systemd/system"

// DetectInit picks the adapter of the running init system.
func DetectInit(run execx.Runner, runDir string) Init {
	if fi, err := os.Stat(runDir); err == nil && fi.IsDir() {
		return Systemd{Run: run}
	}
	return SysV{Run: run}
}
