// Package reconciler runs convergence passes. One Reconciler owns the pass
// lock and its collaborators; triggers from the timer, change notifications
// and the admin surface are coalesced into at most one pending pass.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/desired"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/logs"
	"github.com/MrSnakeDoc/httpdsync/internal/metrics"
	"github.com/MrSnakeDoc/httpdsync/internal/osync"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
)

// Defaults applied by New.
const (
	DefaultInterval      = time.Hour
	DefaultSiteOpTimeout = 60 * time.Second
)

// Store keeps predisable stashes and concurrency reports.
type Store interface {
	PutStash(ctx context.Context, site, vhost string, data []byte) (bool, error)
	GetStash(ctx context.Context, site, vhost string) ([]byte, bool, error)
	DeleteStash(ctx context.Context, site, vhost string) error
	SaveConcurrency(ctx context.Context, rep service.Report) error
}

// Options are the collaborators and settings of a Reconciler.
type Options struct {
	Source   desired.Source
	Applier  *fsapply.Applier
	Backup   fsapply.Backup
	Accounts accounts.Resolver
	HomeDirs accounts.HomeDirs
	Init     service.Init
	Prober   *service.Prober
	Sync     *osync.Synchronizer
	Store    Store
	// Changes are desired-state change notifications. May be nil.
	Changes <-chan domain.Change

	Hostname    string
	WWWDir      string
	LogDir      string
	DisabledDir string
	Fallback    domain.Identity
	AdminURL    string

	Interval      time.Duration
	Expected      time.Duration // reported, never enforced
	SiteOpTimeout time.Duration
	RestartDelay  time.Duration
	Sleep         func(time.Duration)

	Log logger.Logger
}

// Reconciler converges the host. Build it with New.
type Reconciler struct {
	opts  Options
	log   logger.Logger
	logs  *logs.Reconciler
	sites *service.SiteControl

	mu       sync.Mutex
	trigger  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Summary describes what one pass did.
type Summary struct {
	PassID       string   `json:"pass_id"`
	Changed      []string `json:"changed,omitempty"`
	Removed      []string `json:"removed,omitempty"`
	Reloaded     []string `json:"reloaded,omitempty"`
	Restarted    []string `json:"restarted,omitempty"`
	Started      []string `json:"started,omitempty"`
	Stopped      []string `json:"stopped,omitempty"`
	Installed    []string `json:"installed,omitempty"`
	Uninstalled  []string `json:"uninstalled,omitempty"`
	SiteFailures []string `json:"site_failures,omitempty"`
}

// New creates a reconciler. Nothing runs until Start or RunPass.
func New(opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.SiteOpTimeout <= 0 {
		opts.SiteOpTimeout = DefaultSiteOpTimeout
	}
	return &Reconciler{
		opts: opts,
		log:  opts.Log,
		logs: &logs.Reconciler{
			Applier:  opts.Applier,
			Accounts: opts.Accounts,
			Log:      opts.Log,
		},
		sites: &service.SiteControl{
			Init:     opts.Init,
			Hostname: opts.Hostname,
			Timeout:  opts.SiteOpTimeout,
			Log:      opts.Log,
		},
		trigger: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start queues a first pass and runs the worker loop until ctx is done or
// Stop is called.
func (r *Reconciler) Start(ctx context.Context) {
	r.Trigger("start")

	r.wg.Add(2)
	go r.consume(ctx)
	go r.loop(ctx)
}

// Stop ends the worker loop and waits for a running pass to finish.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Trigger asks for a pass. It never blocks: when a pass is already pending
// the request folds into it. It reports whether a new pass was queued.
func (r *Reconciler) Trigger(source string) bool {
	metrics.Triggers.WithLabelValues(source).Inc()
	select {
	case r.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Trigger("timer")
		case <-r.trigger:
			// Failures are logged by RunPass and retried on the next trigger.
			_, _ = r.RunPass(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) consume(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case c, ok := <-r.opts.Changes:
			if !ok {
				return
			}
			r.log.Debug("desired state changed", logger.String("table", c.Table))
			r.Trigger("change")
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// RunPass runs one convergence pass now, waiting for any running pass.
func (r *Reconciler) RunPass(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := Summary{PassID: uuid.NewString()}
	log := r.log.With(logger.String("pass_id", sum.PassID))
	start := time.Now()
	log.Info("pass started")

	err := r.run(ctx, &sum, log)
	d := time.Since(start)
	result := Result(err)
	metrics.ObservePass(result, d, r.opts.Expected)
	if err != nil {
		log.Error("pass failed",
			logger.String("result", result),
			logger.Duration("duration", d),
			logger.Error(err))
		return sum, err
	}
	if r.opts.Expected > 0 && d > r.opts.Expected {
		log.Warn("pass took longer than expected",
			logger.Duration("duration", d),
			logger.Duration("expected", r.opts.Expected))
	}
	log.Info("pass complete",
		logger.Duration("duration", d),
		logger.Int("changed", len(sum.Changed)),
		logger.Int("removed", len(sum.Removed)),
		logger.Strings("reloaded", sum.Reloaded),
		logger.Strings("restarted", sum.Restarted))
	return sum, nil
}

// Result classifies a pass error for logs and metrics.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case domain.IsInvariant(err):
		return "invariant"
	case errors.Is(err, domain.ErrMissingAccount):
		return "account"
	default:
		return "error"
	}
}

// builder returns the artifact builder of the pass.
func (r *Reconciler) builder(s render.Strategy) *render.Builder {
	return &render.Builder{
		Strategy:    s,
		WWWDir:      r.opts.WWWDir,
		LogDir:      r.opts.LogDir,
		DisabledDir: r.opts.DisabledDir,
		Fallback:    r.opts.Fallback,
	}
}

// snapshot reads the desired state and selects the strategy of its host.
func (r *Reconciler) snapshot(ctx context.Context) (*domain.State, render.Strategy, error) {
	st, err := r.opts.Source.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: %w", err)
	}
	s, err := render.ForOS(st.Host.OS)
	if err != nil {
		return nil, nil, &domain.InvariantError{Entity: "host", Name: st.Host.Name, Err: err}
	}
	return st, s, nil
}

func cpus(h domain.Host) int {
	if h.CPUs > 0 {
		return h.CPUs
	}
	return runtime.NumCPU()
}
