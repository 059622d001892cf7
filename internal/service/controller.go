package service

import (
	"context"
	"errors"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

// Outcome is the tri-state result of a start or stop.
type Outcome int

const (
	// Unknown means the unit's state could not be confirmed afterwards.
	Unknown Outcome = iota
	// Done means the call changed the unit's state.
	Done
	// Already means the unit was in the requested state before the call.
	Already
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Already:
		return "already"
	default:
		return "unknown"
	}
}

// ErrNotStartable is returned by Start for units with nothing to serve.
var ErrNotStartable = errors.New("not startable")

// Controller drives one unit.
type Controller struct {
	Init    Init
	Unit    string
	PidFile string
	// Startable is false for units that would exit right away.
	Startable    bool
	RestartDelay time.Duration
	Sleep        func(time.Duration)
	Log          logger.Logger
}

// NewController returns the controller of an instance. An instance without
// an http or https bind renders no Listen directive and is not startable.
func NewController(init Init, s render.Strategy, st *domain.State, inst *domain.Instance, delay time.Duration, log logger.Logger) *Controller {
	unit := s.Unit(inst, render.Ordinal(st.Instances, inst))
	listens := false
	for _, b := range inst.Binds {
		if b.Protocol == domain.HTTP || b.Protocol == domain.HTTPS {
			listens = true
		}
	}
	return &Controller{
		Init:         init,
		Unit:         unit,
		PidFile:      s.PidFile(inst),
		Startable:    listens,
		RestartDelay: delay,
		Log:          log.With(logger.String("unit", unit)),
	}
}

func (c *Controller) IsStartable() bool { return c.Startable }

func (c *Controller) Enable(ctx context.Context) error { return c.Init.Enable(ctx, c.Unit) }

func (c *Controller) Disable(ctx context.Context) error { return c.Init.Disable(ctx, c.Unit) }

// Reload applies a changed configuration, restarting when the unit cannot
// reload.
func (c *Controller) Reload(ctx context.Context) error { return c.Init.ReloadOrRestart(ctx, c.Unit) }

// Stop stops the unit and confirms it is no longer active.
func (c *Controller) Stop(ctx context.Context) (Outcome, error) {
	active, err := c.Init.IsActive(ctx, c.Unit)
	if err != nil {
		return Unknown, err
	}
	if !active {
		return Already, nil
	}
	if err := c.Init.Stop(ctx, c.Unit); err != nil {
		return Unknown, err
	}
	if active, err = c.Init.IsActive(ctx, c.Unit); err != nil || active {
		return Unknown, err
	}
	return Done, nil
}

// Start starts the unit and confirms it is active.
func (c *Controller) Start(ctx context.Context) (Outcome, error) {
	if !c.Startable {
		return Unknown, ErrNotStartable
	}
	active, err := c.Init.IsActive(ctx, c.Unit)
	if err != nil {
		return Unknown, err
	}
	if active {
		return Already, nil
	}
	if err := c.Init.Start(ctx, c.Unit); err != nil {
		return Unknown, err
	}
	if active, err = c.Init.IsActive(ctx, c.Unit); err != nil || !active {
		return Unknown, err
	}
	return Done, nil
}

// Restart stops then starts. The delay only applies when the stop actually
// stopped something.
func (c *Controller) Restart(ctx context.Context) (Outcome, error) {
	stopped, err := c.Stop(ctx)
	if err != nil {
		return Unknown, err
	}
	c.Log.Debug("restarting", logger.String("stop", stopped.String()))
	if stopped == Done && c.RestartDelay > 0 {
		sleep := c.Sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		sleep(c.RestartDelay)
	}
	return c.Start(ctx)
}
