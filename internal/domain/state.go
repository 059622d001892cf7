package domain

import (
	"fmt"
	"regexp"
	"sort"
)

// State is one consistent snapshot of the desired state for a host.
type State struct {
	Host      Host       `yaml:"host" validate:"required"`
	Instances []Instance `yaml:"instances" validate:"dive"`
	Sites     []Site     `yaml:"sites" validate:"dive"`

	bindOwner map[string]int // bind ID -> index into Instances
}

// Change is a desired-state change notification. Table names the entity
// table that changed (e.g. "httpd_sites"); an empty table means "anything".
type Change struct {
	Table string
}

var safeName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateName rejects identifiers that are unsafe as a single path element.
func ValidateName(name string) error {
	if !safeName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}

// DefaultInstance is the file name of the unnamed instance.
const DefaultInstance = "default"

// ReservedSiteNames are www root entries a site tree may not take: the
// disabled docroot and the directories the httpd package installs.
var ReservedSiteNames = map[string]bool{
	"disabled": true,
	"html":     true,
	"cgi-bin":  true,
	"error":    true,
	"icons":    true,
	"manual":   true,
}

// Index builds the bind ownership table and checks the cross-entity
// invariants: safe names, one owner per bind, one root web app per site,
// virtual hosts referencing known binds of a single instance, and unique log
// paths per site.
func (s *State) Index() error {
	s.bindOwner = make(map[string]int)
	names := make(map[string]bool, len(s.Instances))
	for i := range s.Instances {
		inst := &s.Instances[i]
		if inst.Name != "" {
			if err := ValidateName(inst.Name); err != nil {
				return invariant("instance", inst.Name, err)
			}
			if inst.Name == DefaultInstance {
				return invariant("instance", inst.Name, fmt.Errorf("%w: used by the unnamed instance", ErrReservedName))
			}
		}
		if names[inst.Name] {
			return invariant("instance", inst.DisplayName(), fmt.Errorf("duplicate instance"))
		}
		names[inst.Name] = true
		for m := range inst.Modules {
			if !m.Valid() {
				return invariant("instance", inst.DisplayName(), fmt.Errorf("unknown module %q", m))
			}
		}
		for _, b := range inst.Binds {
			if owner, dup := s.bindOwner[b.ID()]; dup {
				return invariant("bind", b.ID(), fmt.Errorf("owned by both %q and %q",
					s.Instances[owner].DisplayName(), inst.DisplayName()))
			}
			s.bindOwner[b.ID()] = i
		}
	}

	siteNames := make(map[string]bool, len(s.Sites))
	for i := range s.Sites {
		site := &s.Sites[i]
		if err := ValidateName(site.Name); err != nil {
			return invariant("site", site.Name, err)
		}
		if ReservedSiteNames[site.Name] {
			return invariant("site", site.Name, ErrReservedName)
		}
		if siteNames[site.Name] {
			return invariant("site", site.Name, fmt.Errorf("duplicate site"))
		}
		siteNames[site.Name] = true
		if _, err := site.RootWebApp(); err != nil {
			return invariant("site", site.Name, err)
		}
		if err := s.indexVirtualHosts(site); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) indexVirtualHosts(site *Site) error {
	vhostNames := make(map[string]bool, len(site.VirtualHosts))
	logs := make(map[string]string)
	for _, vh := range site.VirtualHosts {
		if err := ValidateName(vh.Name); err != nil {
			return invariant("virtualhost", site.Name+"/"+vh.Name, err)
		}
		if vhostNames[vh.Name] {
			return invariant("virtualhost", site.Name+"/"+vh.Name, fmt.Errorf("duplicate virtual host"))
		}
		vhostNames[vh.Name] = true

		owner := -1
		for _, vb := range vh.Binds {
			idx, ok := s.bindOwner[vb.Bind]
			if !ok {
				return invariant("virtualhost", site.Name+"/"+vh.Name, fmt.Errorf("%w: %s", ErrUnknownBind, vb.Bind))
			}
			if owner >= 0 && owner != idx {
				return invariant("virtualhost", site.Name+"/"+vh.Name, fmt.Errorf("binds span several instances"))
			}
			owner = idx
		}

		// The same file for access and error log within a virtual host is
		// intentional sharing; the same path across virtual hosts is not.
		for _, p := range uniq(vh.AccessLog, vh.ErrorLog) {
			if other, taken := logs[p]; taken && other != vh.Name {
				return invariant("virtualhost", site.Name+"/"+vh.Name, fmt.Errorf("log %s already used by %s", p, other))
			}
			logs[p] = vh.Name
		}
	}
	return nil
}

func uniq(paths ...string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == p {
				dup = true
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// Bind returns the bind with the given ID and its owning instance.
func (s *State) Bind(id string) (Bind, *Instance, bool) {
	idx, ok := s.bindOwner[id]
	if !ok {
		return Bind{}, nil, false
	}
	inst := &s.Instances[idx]
	for _, b := range inst.Binds {
		if b.ID() == id {
			return b, inst, true
		}
	}
	return Bind{}, nil, false
}

// InstanceOf returns the instance serving a virtual host.
func (s *State) InstanceOf(vh *VirtualHost) (*Instance, bool) {
	if len(vh.Binds) == 0 {
		return nil, false
	}
	_, inst, ok := s.Bind(vh.Binds[0].Bind)
	return inst, ok
}

// Instance looks an instance up by name ("" is the default instance).
func (s *State) Instance(name string) (*Instance, bool) {
	for i := range s.Instances {
		if s.Instances[i].Name == name {
			return &s.Instances[i], true
		}
	}
	return nil, false
}

// Site looks a site up by name.
func (s *State) Site(name string) (*Site, bool) {
	for i := range s.Sites {
		if s.Sites[i].Name == name {
			return &s.Sites[i], true
		}
	}
	return nil, false
}

// Placement is one virtual host placed on an instance.
type Placement struct {
	Site        *Site
	VirtualHost *VirtualHost
}

// SitesOn returns the sites with at least one virtual host on inst, ordered
// with list-first sites before the others and by name within each group.
func (s *State) SitesOn(inst *Instance) []*Site {
	var out []*Site
	for i := range s.Sites {
		site := &s.Sites[i]
		for j := range site.VirtualHosts {
			if owner, ok := s.InstanceOf(&site.VirtualHosts[j]); ok && owner == inst {
				out = append(out, site)
				break
			}
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].ListFirst != out[b].ListFirst {
			return out[a].ListFirst
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// PlacementsOn returns every virtual host served by inst in include order.
func (s *State) PlacementsOn(inst *Instance) []Placement {
	var out []Placement
	for _, site := range s.SitesOn(inst) {
		for j := range site.VirtualHosts {
			vh := &site.VirtualHosts[j]
			if owner, ok := s.InstanceOf(vh); ok && owner == inst {
				out = append(out, Placement{Site: site, VirtualHost: vh})
			}
		}
	}
	return out
}

// BindsOf returns the resolved binds of a virtual host.
func (s *State) BindsOf(vh *VirtualHost) []Bind {
	out := make([]Bind, 0, len(vh.Binds))
	for _, vb := range vh.Binds {
		if b, _, ok := s.Bind(vb.Bind); ok {
			out = append(out, b)
		}
	}
	return out
}

// RootWebApp returns the web app mounted at "". Every site has exactly one.
func (s *Site) RootWebApp() (*WebApp, error) {
	var root *WebApp
	for i := range s.WebApps {
		if s.WebApps[i].Path == "" {
			if root != nil {
				return nil, fmt.Errorf("site has more than one root web app")
			}
			root = &s.WebApps[i]
		}
	}
	if root == nil {
		return nil, ErrNoRootWebApp
	}
	return root, nil
}

// Identity is an OS user and group pair.
type Identity struct {
	User  string
	Group string
}

// Effective returns the view of the site used for rendering and inference.
// A disabled site runs as the fallback identity and never keeps anonymous
// FTP, CGI or server-side includes, whatever its stored flags say.
func (s Site) Effective(fallback Identity) Site {
	if !s.Disabled {
		return s
	}
	s.User = fallback.User
	s.Group = fallback.Group
	s.AnonymousFTP = false
	s.CGI = false
	s.SSI = false
	apps := make([]WebApp, len(s.WebApps))
	copy(apps, s.WebApps)
	for i := range apps {
		apps[i].CGI = false
	}
	s.WebApps = apps
	return s
}

// VirtualHostDisabled reports whether vh is disabled directly or through its site.
func (s *Site) VirtualHostDisabled(vh *VirtualHost) bool {
	return s.Disabled || vh.Disabled
}

// UsesCGI reports whether any part of the site executes CGI.
func (s *Site) UsesCGI() bool {
	if s.CGI {
		return true
	}
	for _, w := range s.WebApps {
		if w.CGI {
			return true
		}
	}
	return false
}
