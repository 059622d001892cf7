package reconciler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/metrics"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
	"github.com/MrSnakeDoc/httpdsync/internal/sitedir"
)

const (
	confDirMode  os.FileMode = 0o755
	confFileMode os.FileMode = 0o644
)

// pass is the state of one convergence pass.
type pass struct {
	r        *Reconciler
	log      logger.Logger
	sum      *Summary
	st       *domain.State
	strategy render.Strategy
	builder  *render.Builder
	rootUID  int
	rootGID  int

	touched map[string]bool // instances needing at least a reload
	restart map[string]bool // instances needing a full restart
	ghosts  []string        // instance directories without an instance
}

func (r *Reconciler) run(ctx context.Context, sum *Summary, log logger.Logger) error {
	o := r.opts
	st, strategy, err := r.snapshot(ctx)
	if err != nil {
		return err
	}
	if o.Hostname != "" && st.Host.Name != o.Hostname {
		log.Warn("desired state names another host",
			logger.String("state", st.Host.Name), logger.String("hostname", o.Hostname))
	}
	rootUID, rootGID, err := accounts.Owner(o.Accounts, domain.Identity{User: "root", Group: "root"})
	if err != nil {
		return err
	}

	o.Applier.Reset()
	p := &pass{
		r:        r,
		log:      log,
		sum:      sum,
		st:       st,
		strategy: strategy,
		builder:  r.builder(strategy),
		rootUID:  rootUID,
		rootGID:  rootGID,
		touched:  map[string]bool{},
		restart:  map[string]bool{},
	}

	r.logs.Builder = p.builder
	lres, err := r.logs.Reconcile(ctx, st)
	if err != nil {
		return fmt.Errorf("logs: %w", err)
	}
	for _, name := range lres.Reload {
		p.touched[name] = true
	}

	dirs := &sitedir.Reconciler{
		Applier:  o.Applier,
		Builder:  p.builder,
		Accounts: o.Accounts,
		HomeDirs: o.HomeDirs,
		Daemons:  r.sites,
		AdminURL: o.AdminURL,
		Log:      log,
	}
	if _, err := dirs.Reconcile(ctx, st); err != nil {
		return fmt.Errorf("site directories: %w", err)
	}

	views := prepare(st, strategy, o.Fallback, cpus(st.Host))
	if _, err := p.mkdir(render.InstancesDir()); err != nil {
		return err
	}
	for _, v := range views {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.installInstance(ctx, v); err != nil {
			return fmt.Errorf("instance %s: %w", v.inst.DisplayName(), err)
		}
	}
	if err := p.cleanupInstances(views); err != nil {
		return err
	}

	features := featureMap(views)
	pkgs, err := o.Sync.SyncPackages(ctx, strategy, st, features)
	sum.Installed, sum.Uninstalled = pkgs.Installed, pkgs.Removed
	if err != nil {
		return err
	}
	if _, err := o.Sync.SyncSELinux(ctx, strategy, st, features, o.Fallback); err != nil {
		return err
	}
	if err := o.Sync.Restorecon(ctx, strategy, o.Applier.Restorecon()); err != nil {
		return err
	}

	for _, d := range o.Applier.Deletes() {
		if err := o.Backup.BackupAndDelete(ctx, d); err != nil {
			return fmt.Errorf("remove %s: %w", d, err)
		}
		metrics.FilesRemoved.Inc()
		sum.Removed = append(sum.Removed, d)
	}

	if err := p.services(ctx, views); err != nil {
		return err
	}
	p.siteDaemons(ctx)
	return nil
}

func (p *pass) mkdir(dir string) (bool, error) {
	return p.r.opts.Applier.MkdirIfMissing(dir, confDirMode, p.rootUID, p.rootGID)
}

func (p *pass) install(kind, file string, data []byte) (bool, error) {
	changed, err := p.r.opts.Applier.Install(file, data, confFileMode, p.rootUID, p.rootGID)
	if err != nil {
		return false, err
	}
	if changed {
		metrics.ArtifactsChanged.WithLabelValues(kind).Inc()
		p.sum.Changed = append(p.sum.Changed, file)
		p.log.Debug("artifact written", logger.String("kind", kind), logger.String("path", file))
	}
	return changed, nil
}

// extra schedules unknown entries of dir for removal. Removing a file an
// instance includes means the instance must reload.
func (p *pass) extra(instance, dir string, keep map[string]bool) error {
	paths, err := p.r.opts.Applier.ExtraFiles(dir, keep, p.strategy.Protected())
	if err != nil {
		return err
	}
	if len(paths) > 0 && instance != "" {
		p.touched[instance] = true
	}
	return nil
}

// installInstance renders and installs every file of one instance, then
// schedules whatever else its directories hold for removal.
func (p *pass) installInstance(ctx context.Context, v *instanceView) error {
	s, b := p.strategy, p.builder
	inst := v.inst
	name := inst.DisplayName()

	sitesDir, hostsDir := render.SitesDir(s, inst), render.VirtualHostsDir(s, inst)
	for _, dir := range []string{s.InstanceDir(inst), sitesDir, hostsDir} {
		if _, err := p.mkdir(dir); err != nil {
			return err
		}
	}

	mainPath := s.MainConfig(inst)
	old, err := p.r.opts.Applier.ReadFile(mainPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	conf := b.InstanceConfig(render.InstanceInput{
		Host:       p.st.Host,
		Instance:   inst,
		Features:   v.features,
		Plan:       v.plan,
		Placements: v.placements,
	})
	changed, err := p.install("instance", mainPath, conf)
	if err != nil {
		return err
	}
	if changed {
		p.touched[name] = true
		if old != nil && needsRestart(old, conf) {
			p.restart[name] = true
		}
	}

	keepSites := map[string]bool{}
	for _, site := range v.sites {
		data, err := b.SiteInclude(render.SiteInput{Instance: inst, Site: site, Features: v.features, Plan: v.plan})
		if err != nil {
			return err
		}
		file := render.SiteIncludePath(s, inst, site.Name)
		keepSites[path.Base(file)] = true
		changed, err := p.install("site", file, data)
		if err != nil {
			return err
		}
		if changed {
			p.touched[name] = true
		}
	}

	keepDirs := map[string]bool{}
	keepHosts := map[string]map[string]bool{}
	for _, pl := range v.placements {
		site := pl.Site
		if !keepDirs[site.Name] {
			if _, err := p.mkdir(path.Join(hostsDir, site.Name)); err != nil {
				return err
			}
			keepDirs[site.Name] = true
			keepHosts[site.Name] = map[string]bool{}
		}
		data := b.VirtualHostConfig(render.VirtualHostInput{
			Instance:    inst,
			Site:        site,
			VirtualHost: pl.VirtualHost,
			Binds:       p.st.BindsOf(pl.VirtualHost),
			Features:    v.features,
		})
		file := render.VirtualHostPath(s, inst, site.Name, pl.VirtualHost.Name)
		keepHosts[site.Name][path.Base(file)] = true
		changed, err := p.installVirtualHost(ctx, pl, file, data)
		if err != nil {
			return fmt.Errorf("virtual host %s/%s: %w", site.Name, pl.VirtualHost.Name, err)
		}
		if changed {
			p.touched[name] = true
		}
	}

	keepInst := map[string]bool{path.Base(mainPath): true, path.Base(sitesDir): true, path.Base(hostsDir): true}
	if v.features.On(domain.ModJK) {
		file := render.WorkersPath(s, inst)
		keepInst[path.Base(file)] = true
		changed, err := p.install("workers", file, b.Workers(v.sites))
		if err != nil {
			return err
		}
		if changed {
			p.touched[name] = true
		}
	}
	if file := s.TmpFilesPath(inst); file != "" {
		if _, err := p.install("tmpfiles", file, b.TmpFiles(inst)); err != nil {
			return err
		}
	}

	if err := p.extra(name, sitesDir, keepSites); err != nil {
		return err
	}
	if err := p.extra(name, hostsDir, keepDirs); err != nil {
		return err
	}
	sites := make([]string, 0, len(keepHosts))
	for site := range keepHosts {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	for _, site := range sites {
		if err := p.extra(name, path.Join(hostsDir, site), keepHosts[site]); err != nil {
			return err
		}
	}
	return p.extra(name, s.InstanceDir(inst), keepInst)
}

// installVirtualHost writes a virtual host file, honoring manual mode. A
// manual file is only created when missing or still holding the disabled
// placeholder; disabling it first stashes the operator's bytes, and
// re-enabling restores them verbatim.
func (p *pass) installVirtualHost(ctx context.Context, pl domain.Placement, file string, data []byte) (bool, error) {
	site, vh := pl.Site, pl.VirtualHost
	if !site.Manual && !vh.Manual {
		return p.install("vhost", file, data)
	}
	a, store := p.r.opts.Applier, p.r.opts.Store
	log := p.log.With(logger.String("site", site.Name), logger.String("vhost", vh.Name))

	if site.VirtualHostDisabled(vh) {
		current, err := a.ReadFile(file)
		switch {
		case err == nil && !bytes.Equal(current, data) &&
			!render.IsDisabledPlaceholder(current, site.Name, vh.Name):
			stored, err := store.PutStash(ctx, site.Name, vh.Name, current)
			if err != nil {
				return false, fmt.Errorf("stash: %w", err)
			}
			if stored {
				log.Info("manual virtual host stashed before disabling")
			}
		case err != nil && !errors.Is(err, fs.ErrNotExist):
			return false, err
		}
		return p.install("vhost", file, data)
	}

	stash, ok, err := store.GetStash(ctx, site.Name, vh.Name)
	if err != nil {
		return false, fmt.Errorf("stash: %w", err)
	}
	if ok {
		changed, err := p.install("vhost", file, stash)
		if err != nil {
			return false, err
		}
		if err := store.DeleteStash(ctx, site.Name, vh.Name); err != nil {
			return changed, fmt.Errorf("stash: %w", err)
		}
		log.Info("manual virtual host restored from stash")
		return changed, nil
	}
	current, err := a.ReadFile(file)
	switch {
	case err == nil && !render.IsDisabledPlaceholder(current, site.Name, vh.Name):
		return false, nil
	case err == nil:
		log.Warn("manual virtual host re-enabled without a stash, regenerated")
	case !errors.Is(err, fs.ErrNotExist):
		return false, err
	}
	return p.install("vhost", file, data)
}

// cleanupInstances schedules directories of removed instances for removal
// and remembers them so their units get stopped.
func (p *pass) cleanupInstances(views []*instanceView) error {
	keep := make(map[string]bool, len(views))
	for _, v := range views {
		keep[path.Base(p.strategy.InstanceDir(v.inst))] = true
	}
	paths, err := p.r.opts.Applier.ExtraFiles(render.InstancesDir(), keep, p.strategy.Protected())
	if err != nil {
		return err
	}
	for _, dir := range paths {
		p.ghosts = append(p.ghosts, path.Base(dir))
	}
	return nil
}

// services brings every instance to its desired run state and applies the
// pass's changes with the lightest action that takes effect.
func (p *pass) services(ctx context.Context, views []*instanceView) error {
	o := p.r.opts
	for _, v := range views {
		name := v.inst.DisplayName()
		ctl := service.NewController(o.Init, p.strategy, p.st, v.inst, o.RestartDelay, p.log)
		ctl.Sleep = o.Sleep

		if !ctl.IsStartable() {
			out, err := ctl.Stop(ctx)
			if err != nil {
				return fmt.Errorf("stop %s: %w", ctl.Unit, err)
			}
			if out == service.Done {
				metrics.ServiceActions.WithLabelValues("stop").Inc()
				p.sum.Stopped = append(p.sum.Stopped, name)
			}
			if err := ctl.Disable(ctx); err != nil {
				return fmt.Errorf("disable %s: %w", ctl.Unit, err)
			}
			continue
		}

		if err := ctl.Enable(ctx); err != nil {
			return fmt.Errorf("enable %s: %w", ctl.Unit, err)
		}
		if p.restart[name] {
			out, err := ctl.Restart(ctx)
			if err != nil {
				return fmt.Errorf("restart %s: %w", ctl.Unit, err)
			}
			if out == service.Unknown {
				return fmt.Errorf("restart %s: unit did not become active", ctl.Unit)
			}
			metrics.ServiceActions.WithLabelValues("restart").Inc()
			p.sum.Restarted = append(p.sum.Restarted, name)
			continue
		}

		out, err := ctl.Start(ctx)
		if err != nil {
			return fmt.Errorf("start %s: %w", ctl.Unit, err)
		}
		switch out {
		case service.Done:
			metrics.ServiceActions.WithLabelValues("start").Inc()
			p.sum.Started = append(p.sum.Started, name)
		case service.Already:
			if !p.touched[name] {
				continue
			}
			if err := ctl.Reload(ctx); err != nil {
				return fmt.Errorf("reload %s: %w", ctl.Unit, err)
			}
			metrics.ServiceActions.WithLabelValues("reload").Inc()
			p.sum.Reloaded = append(p.sum.Reloaded, name)
		default:
			return fmt.Errorf("start %s: unit did not become active", ctl.Unit)
		}
	}
	p.stopGhosts(ctx)
	return nil
}

// stopGhosts stops the units of removed instances. Legacy unit names depend
// on the instance's position, which is gone with the instance, so only
// named units are handled.
func (p *pass) stopGhosts(ctx context.Context) {
	if len(p.ghosts) == 0 {
		return
	}
	if !p.strategy.Systemd() {
		p.log.Warn("removed instances must be stopped by hand", logger.Strings("instances", p.ghosts))
		return
	}
	for _, name := range p.ghosts {
		ghost := &domain.Instance{Name: name}
		if name == "default" {
			ghost.Name = ""
		}
		ctl := &service.Controller{Init: p.r.opts.Init, Unit: p.strategy.Unit(ghost, 0), Log: p.log}
		if _, err := ctl.Stop(ctx); err != nil {
			p.log.Warn("failed to stop removed instance", logger.String("instance", name), logger.Error(err))
			continue
		}
		if err := ctl.Disable(ctx); err != nil {
			p.log.Warn("failed to disable removed instance", logger.String("instance", name), logger.Error(err))
		}
	}
}

// siteDaemons starts the daemons of enabled sites and stops those of
// disabled ones. Each operation is bounded; a failure is logged and the
// remaining sites still converge.
func (p *pass) siteDaemons(ctx context.Context) {
	sites := p.r.sites
	for i := range p.st.Sites {
		site := &p.st.Sites[i]
		if site.Tomcat == nil || site.Tomcat.Unit == "" {
			continue
		}
		op, fn := "start", sites.Start
		if site.Disabled {
			op, fn = "stop", sites.Stop
		}
		reason, err := fn(ctx, site)
		if reason == service.ReasonWrongHost {
			continue
		}
		if err == nil && reason == "" {
			continue
		}
		metrics.SiteOpFailures.WithLabelValues(op).Inc()
		p.sum.SiteFailures = append(p.sum.SiteFailures, site.Name)
		fields := []logger.Field{logger.String("site", site.Name), logger.String("op", op), logger.String("reason", reason)}
		if err != nil {
			fields = append(fields, logger.Error(err))
		}
		p.log.Warn("site daemon operation failed", fields...)
	}
}
