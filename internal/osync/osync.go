// Package osync pushes the system-level side of the converged state: SELinux
// port labels and booleans, and the packages the enabled features need. Every
// push happens only when the OS disagrees with what the state implies.
package osync

import (
	"context"
	"fmt"
	"sort"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/inference"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

// HTTPPortLabel is the SELinux type of ports the web server may bind.
const HTTPPortLabel = "http_port_t"

// SELinux booleans driven by the desired state.
const (
	BoolCGI        = "httpd_enable_cgi"
	BoolDatabase   = "httpd_can_network_connect_db"
	BoolNetConnect = "httpd_can_network_connect"
)

// SELinux is the policy primitive.
type SELinux interface {
	ConfigurePorts(ctx context.Context, ports []int, label string) (bool, error)
	GetBoolean(ctx context.Context, name string) (bool, error)
	SetBoolean(ctx context.Context, name string, value bool) error
	Restorecon(ctx context.Context, paths []string) error
}

// Packages is the package manager.
type Packages interface {
	Installed(ctx context.Context, name string) (bool, error)
	Install(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
}

// Synchronizer applies ports, booleans and packages.
type Synchronizer struct {
	SELinux  SELinux
	Packages Packages
	// UninstallEnabled allows removing packages no feature needs any more.
	UninstallEnabled bool
	Log              logger.Logger
}

// Report is what one Sync changed.
type Report struct {
	Ports     bool
	Booleans  []string
	Installed []string
	Removed   []string
}

// Changed reports whether anything was pushed to the OS.
func (r Report) Changed() bool {
	return r.Ports || len(r.Booleans) > 0 || len(r.Installed) > 0 || len(r.Removed) > 0
}

// Ports returns the sorted TCP ports labelled per SELinux type. Disabled
// instances still listen, so every http and https bind counts.
func Ports(st *domain.State) map[string][]int {
	seen := map[int]bool{}
	for i := range st.Instances {
		inst := &st.Instances[i]
		for _, b := range inst.Binds {
			if b.Protocol == domain.HTTP || b.Protocol == domain.HTTPS {
				seen[b.Port] = true
			}
		}
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return map[string][]int{HTTPPortLabel: ports}
}

// Booleans derives the SELinux booleans from the effective sites.
func Booleans(st *domain.State, features map[string]inference.Features, fallback domain.Identity) map[string]bool {
	out := map[string]bool{BoolCGI: false, BoolDatabase: false, BoolNetConnect: false}
	for i := range st.Sites {
		site := st.Sites[i].Effective(fallback)
		if site.Disabled {
			continue
		}
		if site.UsesCGI() {
			out[BoolCGI] = true
		}
		if site.DatabaseAccess {
			out[BoolDatabase] = true
		}
	}
	for _, f := range features {
		if f.On(domain.ModProxy) || f.On(domain.ModJK) {
			out[BoolNetConnect] = true
		}
		if f.On(domain.ModActions) {
			out[BoolCGI] = true
		}
	}
	return out
}

// RequiredPackages is the union of what each instance's features need.
func RequiredPackages(s render.Strategy, st *domain.State, features map[string]inference.Features) []string {
	set := map[string]bool{}
	for i := range st.Instances {
		inst := &st.Instances[i]
		for _, p := range s.Packages(inst, features[inst.DisplayName()]) {
			set[p] = true
		}
	}
	return sortedSet(set)
}

// CandidatePackages is every package the agent would ever install for this
// state: the packages needed with every feature on, for every interpreter
// version an instance or site mentions. Only those are ever removed.
func CandidatePackages(s render.Strategy, st *domain.State) []string {
	var all inference.Features
	for _, m := range domain.Modules {
		all.Set(m, true)
	}
	versions := map[string]bool{"": true}
	for i := range st.Instances {
		versions[st.Instances[i].PHPVersion] = true
	}
	for i := range st.Sites {
		versions[st.Sites[i].PHPVersion] = true
	}
	set := map[string]bool{}
	for v := range versions {
		probe := domain.Instance{PHPVersion: v}
		for _, p := range s.Packages(&probe, all) {
			set[p] = true
		}
	}
	return sortedSet(set)
}

// SyncSELinux pushes ports and booleans. It is a no-op on generations without
// SELinux or when the collaborator is nil.
func (s *Synchronizer) SyncSELinux(ctx context.Context, strategy render.Strategy, st *domain.State, features map[string]inference.Features, fallback domain.Identity) (Report, error) {
	var rep Report
	if s.SELinux == nil || !strategy.SELinux() {
		return rep, nil
	}

	ports := Ports(st)
	labels := make([]string, 0, len(ports))
	for l := range ports {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, label := range labels {
		changed, err := s.SELinux.ConfigurePorts(ctx, ports[label], label)
		if err != nil {
			return rep, fmt.Errorf("selinux ports %s: %w", label, err)
		}
		rep.Ports = rep.Ports || changed
	}

	want := Booleans(st, features, fallback)
	names := make([]string, 0, len(want))
	for n := range want {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, name := range names {
		cur, err := s.SELinux.GetBoolean(ctx, name)
		if err != nil {
			return rep, fmt.Errorf("selinux boolean %s: %w", name, err)
		}
		if cur == want[name] {
			continue
		}
		if err := s.SELinux.SetBoolean(ctx, name, want[name]); err != nil {
			return rep, fmt.Errorf("selinux boolean %s: %w", name, err)
		}
		s.Log.Info("selinux boolean set", logger.String("name", name), logger.Bool("value", want[name]))
		rep.Booleans = append(rep.Booleans, name)
	}
	return rep, nil
}

// SyncPackages installs what is missing and, when allowed, removes candidate
// packages nothing needs any more.
func (s *Synchronizer) SyncPackages(ctx context.Context, strategy render.Strategy, st *domain.State, features map[string]inference.Features) (Report, error) {
	var rep Report
	if s.Packages == nil {
		return rep, nil
	}
	required := RequiredPackages(strategy, st, features)
	need := make(map[string]bool, len(required))
	for _, name := range required {
		need[name] = true
		ok, err := s.Packages.Installed(ctx, name)
		if err != nil {
			return rep, fmt.Errorf("package %s: %w", name, err)
		}
		if ok {
			continue
		}
		if err := s.Packages.Install(ctx, name); err != nil {
			return rep, fmt.Errorf("install %s: %w", name, err)
		}
		s.Log.Info("package installed", logger.String("package", name))
		rep.Installed = append(rep.Installed, name)
	}

	if !s.UninstallEnabled {
		return rep, nil
	}
	for _, name := range CandidatePackages(strategy, st) {
		// The server itself stays as long as the host is managed.
		if need[name] || name == "httpd" {
			continue
		}
		ok, err := s.Packages.Installed(ctx, name)
		if err != nil {
			return rep, fmt.Errorf("package %s: %w", name, err)
		}
		if !ok {
			continue
		}
		if err := s.Packages.Remove(ctx, name); err != nil {
			return rep, fmt.Errorf("remove %s: %w", name, err)
		}
		s.Log.Info("package removed", logger.String("package", name))
		rep.Removed = append(rep.Removed, name)
	}
	return rep, nil
}

// Restorecon refreshes the security labels of paths written this pass.
func (s *Synchronizer) Restorecon(ctx context.Context, strategy render.Strategy, paths []string) error {
	if s.SELinux == nil || !strategy.SELinux() || len(paths) == 0 {
		return nil
	}
	if err := s.SELinux.Restorecon(ctx, paths); err != nil {
		return fmt.Errorf("restorecon: %w", err)
	}
	s.Log.Debug("labels refreshed", logger.Int("paths", len(paths)))
	return nil
}

func sortedSet(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
