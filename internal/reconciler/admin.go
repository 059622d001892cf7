package reconciler

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/metrics"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
)

// ErrUnknownInstance is returned when an instance name matches nothing.
var ErrUnknownInstance = errors.New("unknown instance")

// StartSite starts the daemons of one site. The reason is empty on success.
func (r *Reconciler) StartSite(ctx context.Context, name string) (string, error) {
	return r.siteOp(ctx, name, r.sites.Start)
}

// StopSite stops the daemons of one site. The reason is empty on success.
func (r *Reconciler) StopSite(ctx context.Context, name string) (string, error) {
	return r.siteOp(ctx, name, r.sites.Stop)
}

// siteOp runs under the pass lock so admin requests never interleave with a
// pass.
func (r *Reconciler) siteOp(ctx context.Context, name string, op func(context.Context, *domain.Site) (string, error)) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.opts.Source.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	site, ok := st.Site(name)
	if !ok {
		names := make([]string, 0, len(st.Sites))
		for i := range st.Sites {
			names = append(names, st.Sites[i].Name)
		}
		r.log.Warn("site operation rejected",
			logger.String("site", name),
			logger.String("reason", service.ReasonUnknownSite),
			logger.String("did_you_mean", domain.Suggest(name, names)))
		return service.ReasonUnknownSite, nil
	}
	reason, err := op(ctx, site)
	if err != nil || reason != "" {
		r.log.Warn("site operation rejected",
			logger.String("site", name), logger.String("reason", reason))
	}
	return reason, err
}

// Artifact is one rendered file.
type Artifact struct {
	Path string
	Data []byte
}

// Plan renders the instance, site and virtual host files of the current
// desired state without touching the host.
func (r *Reconciler) Plan(ctx context.Context) ([]Artifact, error) {
	st, s, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b := r.builder(s)
	var out []Artifact
	for _, v := range prepare(st, s, r.opts.Fallback, cpus(st.Host)) {
		inst := v.inst
		out = append(out, Artifact{
			Path: s.MainConfig(inst),
			Data: b.InstanceConfig(render.InstanceInput{
				Host:       st.Host,
				Instance:   inst,
				Features:   v.features,
				Plan:       v.plan,
				Placements: v.placements,
			}),
		})
		for _, site := range v.sites {
			data, err := b.SiteInclude(render.SiteInput{Instance: inst, Site: site, Features: v.features, Plan: v.plan})
			if err != nil {
				return nil, err
			}
			out = append(out, Artifact{Path: render.SiteIncludePath(s, inst, site.Name), Data: data})
		}
		for _, pl := range v.placements {
			out = append(out, Artifact{
				Path: render.VirtualHostPath(s, inst, pl.Site.Name, pl.VirtualHost.Name),
				Data: b.VirtualHostConfig(render.VirtualHostInput{
					Instance:    inst,
					Site:        pl.Site,
					VirtualHost: pl.VirtualHost,
					Binds:       st.BindsOf(pl.VirtualHost),
					Features:    v.features,
				}),
			})
		}
		if v.features.On(domain.ModJK) {
			out = append(out, Artifact{Path: render.WorkersPath(s, inst), Data: b.Workers(v.sites)})
		}
	}
	return out, nil
}

// Concurrency probes one instance by display name, records the report and
// returns it.
func (r *Reconciler) Concurrency(ctx context.Context, name string) (service.Report, error) {
	st, s, err := r.snapshot(ctx)
	if err != nil {
		return service.Report{}, err
	}
	views := prepare(st, s, r.opts.Fallback, cpus(st.Host))
	v, ok := findView(views, name)
	if !ok {
		names := make([]string, 0, len(views))
		for _, v := range views {
			names = append(names, v.inst.DisplayName())
		}
		if hint := domain.Suggest(name, names); hint != "" {
			return service.Report{Instance: name}, fmt.Errorf("%w %q (did you mean %q?)", ErrUnknownInstance, name, hint)
		}
		return service.Report{Instance: name}, fmt.Errorf("%w %q", ErrUnknownInstance, name)
	}
	return r.probe(ctx, st, s, v)
}

// ProbeAll probes every instance of the desired state. An instance whose
// probe fails is logged and left out.
func (r *Reconciler) ProbeAll(ctx context.Context) ([]service.Report, error) {
	st, s, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	var out []service.Report
	for _, v := range prepare(st, s, r.opts.Fallback, cpus(st.Host)) {
		rep, err := r.probe(ctx, st, s, v)
		if err != nil {
			r.log.Warn("concurrency probe failed",
				logger.String("instance", v.inst.DisplayName()), logger.Error(err))
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}

func (r *Reconciler) probe(ctx context.Context, st *domain.State, s render.Strategy, v *instanceView) (service.Report, error) {
	inst := v.inst
	rep, err := r.opts.Prober.Probe(ctx, service.Target{
		Instance:   inst.DisplayName(),
		Unit:       s.Unit(inst, render.Ordinal(st.Instances, inst)),
		PidFile:    s.PidFile(inst),
		Executable: path.Clean(s.Executable(v.plan)),
		PerProcess: v.plan.PerProcess(),
	})
	if err != nil {
		return rep, err
	}
	metrics.Concurrency.WithLabelValues(rep.Instance).Set(float64(rep.Concurrency))
	if r.opts.Store != nil {
		if err := r.opts.Store.SaveConcurrency(ctx, rep); err != nil {
			r.log.Warn("failed to save concurrency report",
				logger.String("instance", rep.Instance), logger.Error(err))
		}
	}
	return rep, nil
}
