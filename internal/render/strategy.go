package render

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/capacity"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/inference"
)

// Strategy is everything that differs between OS generations: file layout,
// directive dialect, module files, unit names and capability flags. One is
// selected per pass with ForOS; callers never branch on the OS version.
type Strategy interface {
	OS() domain.OSVersion

	// Caps feeds the capacity planner. EmbeddedInterpreter is filled in by
	// the caller from the instance's features.
	Caps() capacity.Caps
	Brotli() bool
	SELinux() bool
	Systemd() bool

	// ServerRoot is the directory LoadModule paths are relative to.
	ServerRoot() string
	InstanceDir(inst *domain.Instance) string
	MainConfig(inst *domain.Instance) string
	PidFile(inst *domain.Instance) string
	// TmpFilesPath is "" when the OS has no tmpfiles.d.
	TmpFilesPath(inst *domain.Instance) string
	Executable(plan capacity.Plan) string
	// Unit names the init unit for the instance; ordinal is the instance's
	// position among all instances sorted by name, 0 for the default.
	Unit(inst *domain.Instance, ordinal int) string

	// BaseModules are always loaded, before any inferred module.
	BaseModules(plan capacity.Plan) []LoadModule
	Module(m domain.Module, inst *domain.Instance, plan capacity.Plan) []LoadModule

	AllowAll() []string
	DenyAll() []string
	// MaxWorkersDirective is MaxClients on 2.2 and MaxRequestWorkers on 2.4.
	MaxWorkersDirective() string
	NameVirtualHost() bool

	Packages(inst *domain.Instance, f inference.Features) []string
	// Protected file names are never removed from generated directories.
	Protected() []string
	// DistroWWW lists the entries the httpd package and the filesystem
	// place under the www root. They are never taken for orphan site trees.
	DistroWWW() []string
}

// LoadModule is one LoadModule directive.
type LoadModule struct {
	Name string // foo_module
	File string // modules/mod_foo.so
}

// ForOS returns the strategy for os.
func ForOS(os domain.OSVersion) (Strategy, error) {
	switch os {
	case domain.CentOS5:
		return centos5{}, nil
	case domain.CentOS7:
		return centos7{}, nil
	case domain.Rocky9:
		return rocky9{}, nil
	}
	return nil, fmt.Errorf("unsupported OS version %q", os)
}

// Layout paths shared by every generation.
const (
	serverRoot   = "/etc/httpd"
	instancesDir = "/etc/httpd/instances"
)

// InstancesDir holds one directory per instance.
func InstancesDir() string { return instancesDir }

// SitesDir holds the per-site shared includes of an instance.
func SitesDir(s Strategy, inst *domain.Instance) string {
	return path.Join(s.InstanceDir(inst), "sites")
}

// VirtualHostsDir holds one directory per site with a file per virtual host.
func VirtualHostsDir(s Strategy, inst *domain.Instance) string {
	return path.Join(s.InstanceDir(inst), "vhosts")
}

func SiteIncludePath(s Strategy, inst *domain.Instance, site string) string {
	return path.Join(SitesDir(s, inst), site+".conf")
}

func VirtualHostPath(s Strategy, inst *domain.Instance, site, vhost string) string {
	return path.Join(VirtualHostsDir(s, inst), site, vhost+".conf")
}

func WorkersPath(s Strategy, inst *domain.Instance) string {
	return path.Join(s.InstanceDir(inst), "workers.properties")
}

// generic holds what every generation shares.
type generic struct{}

func (generic) ServerRoot() string { return serverRoot }

func (generic) InstanceDir(inst *domain.Instance) string {
	return path.Join(instancesDir, inst.DisplayName())
}

func (g generic) MainConfig(inst *domain.Instance) string {
	return path.Join(g.InstanceDir(inst), "httpd.conf")
}

func (generic) Protected() []string {
	return []string{"README", ".keep", "welcome.conf", "index.html"}
}

func (generic) DistroWWW() []string {
	return []string{"html", "cgi-bin", "error", "icons", "lost+found"}
}

func (generic) Executable(capacity.Plan) string { return "/usr/sbin/httpd" }

func modFile(name string) LoadModule {
	return LoadModule{Name: name + "_module", File: "modules/mod_" + name + ".so"}
}

// modules24 maps inferable modules to LoadModule lines for 2.4 generations.
func modules24(m domain.Module, plan capacity.Plan) []LoadModule {
	switch m {
	case domain.ModAuthBasic:
		return []LoadModule{modFile("auth_basic"), modFile("authn_core"), modFile("authn_file"), modFile("authz_user"), modFile("authz_groupfile")}
	case domain.ModCGI:
		if plan.Threaded() {
			return []LoadModule{modFile("cgid")}
		}
		return []LoadModule{modFile("cgi")}
	case domain.ModJK:
		return []LoadModule{modFile("jk")}
	}
	return []LoadModule{modFile(string(m))}
}

type el struct{ generic }

func (el) Caps() capacity.Caps { return capacity.Caps{Event: true} }
func (el) SELinux() bool       { return true }
func (el) Systemd() bool       { return true }

func (el) PidFile(inst *domain.Instance) string {
	return "/run/httpd/" + inst.DisplayName() + ".pid"
}

func (el) TmpFilesPath(inst *domain.Instance) string {
	return "/etc/tmpfiles.d/httpd-" + inst.DisplayName() + ".conf"
}

func (el) Unit(inst *domain.Instance, _ int) string {
	if inst.Name == "" {
		return "httpd.service"
	}
	return "httpd@" + inst.Name + ".service"
}

func (el) BaseModules(plan capacity.Plan) []LoadModule {
	return []LoadModule{
		modFile("mpm_" + string(plan.MPM)),
		modFile("authz_core"),
		modFile("authz_host"),
		modFile("unixd"),
		modFile("log_config"),
		modFile("env"),
		modFile("systemd"),
	}
}

func (el) AllowAll() []string          { return []string{"Require all granted"} }
func (el) DenyAll() []string           { return []string{"Require all denied"} }
func (el) MaxWorkersDirective() string { return "MaxRequestWorkers" }
func (el) NameVirtualHost() bool       { return false }

func (el) Packages(inst *domain.Instance, f inference.Features) []string {
	pkgs := []string{"httpd"}
	if f.On(domain.ModSSL) {
		pkgs = append(pkgs, "mod_ssl")
	}
	if f.On(domain.ModJK) {
		pkgs = append(pkgs, "tomcat-connectors")
	}
	if f.On(domain.ModPHP) && inst.PHPVersion != "" {
		pkgs = append(pkgs, "php"+inst.PHPVersion+"-php")
	}
	return pkgs
}

// centos7 is Apache 2.4 under systemd without mod_brotli.
type centos7 struct{ el }

func (centos7) OS() domain.OSVersion { return domain.CentOS7 }
func (centos7) Brotli() bool         { return false }

func (centos7) Module(m domain.Module, inst *domain.Instance, plan capacity.Plan) []LoadModule {
	if m == domain.ModPHP {
		major := phpMajor(inst.PHPVersion)
		return []LoadModule{{Name: "php" + major + "_module", File: "modules/libphp" + major + ".so"}}
	}
	return modules24(m, plan)
}

// rocky9 is Apache 2.4 under systemd with mod_brotli.
type rocky9 struct{ el }

func (rocky9) OS() domain.OSVersion { return domain.Rocky9 }
func (rocky9) Brotli() bool         { return true }

func (rocky9) Module(m domain.Module, inst *domain.Instance, plan capacity.Plan) []LoadModule {
	if m == domain.ModPHP {
		return []LoadModule{{Name: "php_module", File: "modules/libphp.so"}}
	}
	return modules24(m, plan)
}

// centos5 is Apache 2.2 under SysV init. It only runs prefork.
type centos5 struct{ generic }

func (centos5) OS() domain.OSVersion { return domain.CentOS5 }
func (centos5) Caps() capacity.Caps  { return capacity.Caps{PreforkDefault: true} }
func (centos5) Brotli() bool         { return false }
func (centos5) SELinux() bool        { return false }
func (centos5) Systemd() bool        { return false }

func (centos5) PidFile(inst *domain.Instance) string {
	return "/var/run/httpd/" + inst.DisplayName() + ".pid"
}

func (centos5) TmpFilesPath(*domain.Instance) string { return "" }

// DistroWWW adds the manual tree httpd 2.2 ships under /var/www.
func (c centos5) DistroWWW() []string {
	return append(c.generic.DistroWWW(), "manual")
}

func (centos5) Unit(inst *domain.Instance, ordinal int) string {
	if inst.Name == "" || ordinal == 0 {
		return "httpd"
	}
	return "httpd" + strconv.Itoa(ordinal)
}

func (centos5) BaseModules(capacity.Plan) []LoadModule {
	return []LoadModule{
		modFile("authz_host"),
		modFile("log_config"),
		modFile("env"),
	}
}

func (centos5) Module(m domain.Module, _ *domain.Instance, _ capacity.Plan) []LoadModule {
	switch m {
	case domain.ModAuthBasic:
		return []LoadModule{modFile("auth_basic"), modFile("authn_file"), modFile("authz_user"), modFile("authz_groupfile")}
	case domain.ModPHP:
		return []LoadModule{{Name: "php5_module", File: "modules/libphp5.so"}}
	case domain.ModBrotli, domain.ModSocacheSHM, domain.ModFilter:
		// Not shipped with 2.2 or built into mod_ssl.
		return nil
	}
	return []LoadModule{modFile(string(m))}
}

func (centos5) AllowAll() []string          { return []string{"Order allow,deny", "Allow from all"} }
func (centos5) DenyAll() []string           { return []string{"Order deny,allow", "Deny from all"} }
func (centos5) MaxWorkersDirective() string { return "MaxClients" }
func (centos5) NameVirtualHost() bool       { return true }

func (centos5) Packages(inst *domain.Instance, f inference.Features) []string {
	pkgs := []string{"httpd"}
	if f.On(domain.ModSSL) {
		pkgs = append(pkgs, "mod_ssl")
	}
	if f.On(domain.ModJK) {
		pkgs = append(pkgs, "tomcat-connectors")
	}
	if f.On(domain.ModPHP) && inst.PHPVersion != "" {
		pkgs = append(pkgs, "php"+inst.PHPVersion)
	}
	return pkgs
}

func phpMajor(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "5"
	}
	if i := strings.IndexAny(v, "."); i > 0 {
		return v[:i]
	}
	return v[:1]
}
