package service

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

// Rejection reasons returned to the admin surface.
const (
	ReasonUnknownSite   = "unknown site"
	ReasonWrongHost     = "wrong host"
	ReasonNotStartable  = "not startable"
	ReasonUnknownStatus = "unknown status"
)

// SiteControl starts and stops the daemons a site runs in the application
// container tier. Each operation is bounded by Timeout.
type SiteControl struct {
	Init     Init
	Hostname string
	Timeout  time.Duration
	Log      logger.Logger
}

func (s *SiteControl) controller(site *domain.Site) *Controller {
	unit := ""
	if site.Tomcat != nil {
		unit = site.Tomcat.Unit
	}
	return &Controller{
		Init:      s.Init,
		Unit:      unit,
		Startable: unit != "" && !site.Disabled,
		Log:       s.Log.With(logger.String("site", site.Name)),
	}
}

func (s *SiteControl) reject(site *domain.Site) string {
	if site.Host != "" && s.Hostname != "" && site.Host != s.Hostname {
		return ReasonWrongHost
	}
	return ""
}

// Start returns an empty reason on success.
func (s *SiteControl) Start(ctx context.Context, site *domain.Site) (string, error) {
	if reason := s.reject(site); reason != "" {
		return reason, nil
	}
	c := s.controller(site)
	if !c.IsStartable() {
		return ReasonNotStartable, nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := c.Start(ctx)
	if out == Unknown {
		if err != nil {
			s.Log.Warn("site start failed", logger.String("site", site.Name), logger.Error(err))
		}
		return ReasonUnknownStatus, err
	}
	return "", nil
}

// Stop returns an empty reason on success. A site without a daemon unit has
// nothing to stop.
func (s *SiteControl) Stop(ctx context.Context, site *domain.Site) (string, error) {
	if reason := s.reject(site); reason != "" {
		return reason, nil
	}
	c := s.controller(site)
	if c.Unit == "" {
		return "", nil
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	out, err := c.Stop(ctx)
	if out == Unknown {
		if err != nil {
			s.Log.Warn("site stop failed", logger.String("site", site.Name), logger.Error(err))
		}
		return ReasonUnknownStatus, err
	}
	return "", nil
}

// StopSiteDaemons stops a site's daemons before its tree is locked down.
func (s *SiteControl) StopSiteDaemons(ctx context.Context, site *domain.Site) error {
	reason, err := s.Stop(ctx, site)
	if err != nil {
		return err
	}
	if reason != "" {
		return fmt.Errorf("stop %s: %s", site.Name, reason)
	}
	return nil
}

func (s *SiteControl) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.Timeout)
}
