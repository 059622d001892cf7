package service

import (
	"context"
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sync/singleflight"
)

// Process is the slice of process metadata the probe needs.
type Process struct {
	PID        int
	PPID       int
	Executable string
}

// ProcessTable lists live processes.
type ProcessTable interface {
	Processes() ([]Process, error)
}

// Procfs reads the process table from /proc.
type Procfs struct {
	FS procfs.FS
}

// NewProcfs opens the process table at mount ("" for /proc).
func NewProcfs(mount string) (*Procfs, error) {
	if mount == "" {
		mount = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Procfs{FS: fs}, nil
}

// Processes skips processes that exit or deny access while being read.
func (p *Procfs) Processes() ([]Process, error) {
	procs, err := p.FS.AllProcs()
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		exe, err := proc.Executable()
		if err != nil {
			continue
		}
		out = append(out, Process{PID: proc.PID, PPID: stat.PPID, Executable: exe})
	}
	return out, nil
}

// Target identifies the processes of one instance.
type Target struct {
	Instance   string
	Unit       string
	PidFile    string
	Executable string
	PerProcess int
}

// Report is one concurrency measurement.
type Report struct {
	Instance    string `json:"instance"`
	MainPID     int    `json:"main_pid"`
	Children    int    `json:"children"`
	PerProcess  int    `json:"per_process"`
	Concurrency int    `json:"concurrency"`
}

// Prober measures concurrency. Concurrent probes of the same instance share
// one walk of the process table; distinct instances never share results.
type Prober struct {
	Table ProcessTable
	Init  Init

	group singleflight.Group
}

// Probe counts the children of the instance's main process running the
// expected executable and multiplies by the per-process concurrency.
func (p *Prober) Probe(ctx context.Context, t Target) (Report, error) {
	v, err, _ := p.group.Do(t.Instance, func() (interface{}, error) {
		return p.probe(ctx, t)
	})
	if err != nil {
		return Report{Instance: t.Instance}, err
	}
	return v.(Report), nil
}

func (p *Prober) probe(ctx context.Context, t Target) (Report, error) {
	rep := Report{Instance: t.Instance, PerProcess: t.PerProcess}
	pid, err := p.Init.MainPID(ctx, t.Unit, t.PidFile)
	if err != nil {
		return rep, fmt.Errorf("main pid of %s: %w", t.Unit, err)
	}
	rep.MainPID = pid
	if pid == 0 {
		return rep, nil
	}
	procs, err := p.Table.Processes()
	if err != nil {
		return rep, fmt.Errorf("process table: %w", err)
	}
	for _, proc := range procs {
		if proc.PPID == pid && proc.Executable == t.Executable {
			rep.Children++
		}
	}
	rep.Concurrency = rep.Children * t.PerProcess
	return rep, nil
}
