// Package sitedir builds and repairs every tenant's site tree below the www
// root, independently of which instances serve the site.
package sitedir

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

// State is the lifecycle state of one site tree.
type State int

const (
	// Uninitialized trees are missing or still owned by root.
	Uninitialized State = iota
	Auto
	Manual
	Disabled
)

func (s State) String() string {
	switch s {
	case Auto:
		return "auto"
	case Manual:
		return "manual"
	case Disabled:
		return "disabled"
	default:
		return "uninitialized"
	}
}

// Daemons stops the processes a site runs outside the web server.
type Daemons interface {
	StopSiteDaemons(ctx context.Context, site *domain.Site) error
}

// Result summarizes one pass.
type Result struct {
	States  map[string]State
	Built   []string // sites that got a full build
	Locked  []string // sites locked down this pass
	Removed []string // tree paths scheduled for backup-then-delete
	Changed bool
}

// Reconciler converges site trees.
type Reconciler struct {
	Applier  *fsapply.Applier
	Builder  *render.Builder
	Accounts accounts.Resolver
	HomeDirs accounts.HomeDirs
	Daemons  Daemons
	// AdminURL is baked into the force-update helper.
	AdminURL string
	Log      logger.Logger
}

type mode struct {
	dir  string
	perm os.FileMode
}

var layout = []mode{
	{dir: render.HtDocs, perm: os.ModeSetgid | 0o775},
	{dir: render.CGIBin, perm: os.ModeSetgid | 0o775},
	{dir: render.Bin, perm: 0o750},
	{dir: render.Tmp, perm: os.ModeSticky | 0o770},
	{dir: "var", perm: 0o750},
	{dir: "var/php", perm: 0o750},
	{dir: render.SessionDir, perm: 0o770},
	{dir: "ftp", perm: 0o755},
	{dir: render.FTPPub, perm: os.ModeSetgid | 0o775},
}

const (
	rootMode   os.FileMode = 0o751
	lockedMode os.FileMode = 0o700
)

// Classify derives a site's state from its flags and the owner of its tree.
func Classify(site *domain.Site, exists bool, ownerUID, rootUID int) State {
	switch {
	case site.Disabled:
		return Disabled
	case !exists || ownerUID == rootUID:
		return Uninitialized
	case site.Manual:
		return Manual
	default:
		return Auto
	}
}

// Reconcile converges every site tree and schedules trees of removed sites
// for deletion. A missing account aborts before anything is touched.
func (r *Reconciler) Reconcile(ctx context.Context, st *domain.State) (Result, error) {
	res := Result{States: make(map[string]State, len(st.Sites))}
	if name, ok := r.disabledEntry(); ok {
		for i := range st.Sites {
			if st.Sites[i].Name == name {
				return res, &domain.InvariantError{Entity: "site", Name: name,
					Err: fmt.Errorf("%w: tree is the disabled docroot %s", domain.ErrReservedName, r.Builder.DisabledDir)}
			}
		}
	}

	rootUID, rootGID, err := accounts.Owner(r.Accounts, domain.Identity{User: "root", Group: "root"})
	if err != nil {
		return res, err
	}
	owners := make(map[string][2]int, len(st.Sites))
	for i := range st.Sites {
		site := &st.Sites[i]
		if site.Disabled {
			continue
		}
		uid, gid, err := accounts.Owner(r.Accounts, domain.Identity{User: site.User, Group: site.Group})
		if err != nil {
			return res, fmt.Errorf("site %s: %w", site.Name, err)
		}
		owners[site.Name] = [2]int{uid, gid}
	}

	if r.Builder.DisabledDir != "" {
		changed, err := r.Applier.MkdirIfMissing(r.Builder.DisabledDir, 0o755, rootUID, rootGID)
		if err != nil {
			return res, err
		}
		res.Changed = res.Changed || changed
	}

	for i := range st.Sites {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		site := &st.Sites[i]
		root := render.SiteRoot(r.Builder.WWWDir, site.Name)
		uid, _, statErr := r.Applier.Owner(root)
		state := Classify(site, statErr == nil, uid, rootUID)
		res.States[site.Name] = state

		var changed bool
		switch state {
		case Disabled:
			changed, err = r.lockDown(ctx, site, root, rootUID, rootGID)
			if err == nil && changed {
				res.Locked = append(res.Locked, site.Name)
			}
		case Uninitialized:
			o := owners[site.Name]
			changed, err = r.build(site, root, o[0], o[1], rootUID, true)
			res.Built = append(res.Built, site.Name)
		case Manual:
			o := owners[site.Name]
			changed, err = r.repair(site, root, o[0], o[1], rootUID, false)
		case Auto:
			o := owners[site.Name]
			changed, err = r.repair(site, root, o[0], o[1], rootUID, true)
		}
		if err != nil {
			return res, fmt.Errorf("site %s: %w", site.Name, err)
		}
		res.Changed = res.Changed || changed
	}

	removed, err := r.scheduleRemoved(st)
	if err != nil {
		return res, err
	}
	res.Removed = removed
	return res, nil
}

// lockDown stops the site's daemons and hands the tree to root with a mode
// nobody else can traverse. It leaves the tree alone when the daemons could
// not be stopped.
func (r *Reconciler) lockDown(ctx context.Context, site *domain.Site, root string, rootUID, rootGID int) (bool, error) {
	if !r.Applier.Exists(root) {
		return false, nil
	}
	if r.Daemons != nil {
		if err := r.Daemons.StopSiteDaemons(ctx, site); err != nil {
			r.Log.Warn("site daemons still running, lock-down postponed",
				logger.String("site", site.Name), logger.Error(err))
			return false, nil
		}
	}
	return r.Applier.Enforce(root, lockedMode, rootUID, rootGID)
}

// build creates the whole tree, seeds the placeholder index and installs the
// helper scripts.
func (r *Reconciler) build(site *domain.Site, root string, uid, gid, rootUID int, overwrite bool) (bool, error) {
	changed := false
	if _, err := r.Applier.MkdirIfMissing(root, rootMode, uid, gid); err != nil {
		return false, err
	}
	// A tree handed back from a lock-down is still root owned.
	c, err := r.Applier.Enforce(root, rootMode, uid, gid)
	if err != nil {
		return false, err
	}
	changed = changed || c
	for _, m := range layout {
		c, err := r.Applier.MkdirIfMissing(path.Join(root, m.dir), m.perm, uid, gid)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}

	index := path.Join(root, render.HtDocs, "index.html")
	if !r.Applier.Exists(index) {
		c, err := r.Applier.Install(index, placeholder(site), 0o644, uid, gid)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}

	c, err = r.scripts(site, root, gid, rootUID, overwrite)
	if err != nil {
		return false, err
	}
	r.Log.Info("site tree built", logger.String("site", site.Name))
	return changed || c, nil
}

// repair creates missing pieces. In auto mode it also re-enforces modes and
// rewrites the helper scripts; manual trees keep whatever is there.
func (r *Reconciler) repair(site *domain.Site, root string, uid, gid, rootUID int, auto bool) (bool, error) {
	changed := false
	for _, m := range layout {
		p := path.Join(root, m.dir)
		c, err := r.Applier.MkdirIfMissing(p, m.perm, uid, gid)
		if err != nil {
			return false, err
		}
		changed = changed || c
		if auto && !c {
			c, err = r.Applier.Enforce(p, m.perm, uid, gid)
			if err != nil {
				return false, err
			}
			changed = changed || c
		}
	}
	c, err := r.scripts(site, root, gid, rootUID, auto)
	if err != nil {
		return false, err
	}
	return changed || c, nil
}

func (r *Reconciler) scripts(site *domain.Site, root string, gid, rootUID int, overwrite bool) (bool, error) {
	bin := path.Join(root, render.Bin)
	files := map[string][]byte{
		render.ForceUpdateName: r.Builder.ForceUpdate(site, r.AdminURL),
		"logs":                 r.Builder.LogViewer(site),
		"logmerge":             r.Builder.LogMerge(site),
	}
	if site.PHPVersion != "" {
		files[render.PHPWrapperName] = r.Builder.PHPWrapper(site)
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	changed := false
	for _, name := range names {
		p := path.Join(bin, name)
		if !overwrite && r.Applier.Exists(p) {
			continue
		}
		c, err := r.Applier.Install(p, files[name], 0o750, rootUID, gid)
		if err != nil {
			return false, err
		}
		changed = changed || c
	}
	return changed, nil
}

// scheduleRemoved queues trees below the www root that no site owns. Trees
// still used as somebody's home directory are kept, and so are the entries
// the distribution owns.
func (r *Reconciler) scheduleRemoved(st *domain.State) ([]string, error) {
	keep := r.keepWWW(st)

	entries, err := os.ReadDir(r.Applier.Path(r.Builder.WWWDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", r.Builder.WWWDir, err)
	}
	var homes []string
	if r.HomeDirs != nil {
		if homes, err = r.HomeDirs.HomeDirs(); err != nil {
			return nil, fmt.Errorf("read home directories: %w", err)
		}
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] {
			continue
		}
		p := path.Join(r.Builder.WWWDir, e.Name())
		if home, used := referenced(p, homes); used {
			r.Log.Warn("orphan site tree kept, it is a home directory",
				logger.String("path", p), logger.String("home", home))
			continue
		}
		r.Applier.ScheduleDelete(p)
		removed = append(removed, p)
	}
	return removed, nil
}

// keepWWW is the set of www root entries that are never orphans.
func (r *Reconciler) keepWWW(st *domain.State) map[string]bool {
	keep := make(map[string]bool, len(st.Sites)+8)
	for _, site := range st.Sites {
		keep[site.Name] = true
	}
	for _, name := range r.Builder.Strategy.Protected() {
		keep[name] = true
	}
	for _, name := range r.Builder.Strategy.DistroWWW() {
		keep[name] = true
	}
	if name, ok := r.disabledEntry(); ok {
		keep[name] = true
	}
	return keep
}

// disabledEntry is the www root entry of the disabled docroot, if it lives
// there.
func (r *Reconciler) disabledEntry() (string, bool) {
	if r.Builder.DisabledDir == "" || path.Dir(r.Builder.DisabledDir) != path.Clean(r.Builder.WWWDir) {
		return "", false
	}
	return path.Base(r.Builder.DisabledDir), true
}

func referenced(p string, homes []string) (string, bool) {
	for _, h := range homes {
		h = path.Clean(h)
		if h == p || strings.HasPrefix(h, p+"/") {
			return h, true
		}
	}
	return "", false
}

func placeholder(site *domain.Site) []byte {
	return []byte("<!DOCTYPE html>\n<html><head><title>" + site.Name + "</title></head>\n" +
		"<body><p>This site is being set up.</p></body></html>\n")
}
