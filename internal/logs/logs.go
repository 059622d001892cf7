// Package logs keeps per-site and per-instance log directories, log files and
// rotation descriptors in place with the right owners.
package logs

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

const (
	dirMode  = 0o750
	fileMode = 0o640
)

// Result lists the instances that must reload because a log file they write
// to did not exist before.
type Result struct {
	Reload  []string // instance display names, sorted
	Changed bool
}

// Reconciler converges logs. It has its own lock so a log pass never
// interleaves with another one, independently of the main pass lock.
type Reconciler struct {
	Applier  *fsapply.Applier
	Builder  *render.Builder
	Accounts accounts.Resolver
	Log      logger.Logger

	mu sync.Mutex
}

func (r *Reconciler) Reconcile(ctx context.Context, st *domain.State) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res Result
	rootUID, rootGID, err := accounts.Owner(r.Accounts, domain.Identity{User: "root", Group: "root"})
	if err != nil {
		return res, err
	}
	s := r.Builder.Strategy
	logDir := r.Builder.LogDir

	changed, err := r.Applier.MkdirIfMissing(logDir, 0o755, rootUID, rootGID)
	if err != nil {
		return res, err
	}
	res.Changed = changed

	for i := range st.Instances {
		inst := &st.Instances[i]
		c, err := r.Applier.MkdirIfMissing(render.InstanceLogDir(logDir, inst), dirMode, rootUID, rootGID)
		if err != nil {
			return res, err
		}
		res.Changed = res.Changed || c
	}

	reload := map[string]bool{}
	keep := map[string]bool{}
	for i := range st.Sites {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		site := st.Sites[i].Effective(r.Builder.Fallback)
		gid, err := r.Accounts.GID(site.Group)
		if err != nil {
			return res, fmt.Errorf("site %s: %w", site.Name, err)
		}

		siteDir := render.SiteLogDir(logDir, site.Name)
		c, err := r.Applier.MkdirIfMissing(siteDir, dirMode, rootUID, gid)
		if err != nil {
			return res, err
		}
		if !c {
			if c, err = r.Applier.Enforce(siteDir, dirMode, rootUID, gid); err != nil {
				return res, err
			}
		}
		res.Changed = res.Changed || c

		var files []string
		units := map[string]bool{}
		for j := range site.VirtualHosts {
			vh := &site.VirtualHosts[j]
			inst, ok := st.InstanceOf(vh)
			if !ok {
				continue
			}
			units[s.Unit(inst, render.Ordinal(st.Instances, inst))] = true
			for _, p := range uniq(render.AccessLog(logDir, &site, vh), render.ErrorLog(logDir, &site, vh)) {
				created, err := r.ensureFile(p, rootUID, gid)
				if err != nil {
					return res, err
				}
				if created {
					reload[inst.DisplayName()] = true
					res.Changed = true
				}
				files = append(files, p)
			}
		}

		descriptor := path.Join(render.LogRotateDir, site.Name)
		keep[site.Name] = true
		if len(files) == 0 {
			continue
		}
		files = append(files, path.Join(siteDir, "combined_log"))
		c, err = r.Applier.Install(descriptor, r.Builder.LogRotate(&site, files, sortedKeys(units)), 0o644, rootUID, rootGID)
		if err != nil {
			return res, err
		}
		res.Changed = res.Changed || c
	}

	if _, err := r.Applier.ExtraFiles(render.LogRotateDir, keep, s.Protected()); err != nil {
		return res, err
	}

	res.Reload = sortedKeys(reload)
	if len(res.Reload) > 0 {
		r.Log.Info("log files created, instances need reload", logger.Strings("instances", res.Reload))
	}
	return res, nil
}

// ensureFile creates an empty log file when missing and otherwise enforces
// its owner and mode. Existing content is never touched.
func (r *Reconciler) ensureFile(p string, uid, gid int) (bool, error) {
	if r.Applier.Exists(p) {
		_, err := r.Applier.Enforce(p, fileMode, uid, gid)
		return false, err
	}
	if _, err := r.Applier.MkdirIfMissing(path.Dir(p), dirMode, uid, gid); err != nil {
		return false, err
	}
	if _, err := r.Applier.Install(p, nil, fileMode, uid, gid); err != nil {
		return false, err
	}
	return true, nil
}

func uniq(paths ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
