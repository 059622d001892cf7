package render

import (
	"path"
	"sort"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/capacity"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/inference"
)

// SiteInput is what a site's shared include is built from. Site must be the
// effective view (see domain.Site.Effective).
type SiteInput struct {
	Instance *domain.Instance
	Site     *domain.Site
	Features inference.Features
	Plan     capacity.Plan
}

// PHPWrapperName is the CGI bootstrap script installed in the site's bin dir.
const PHPWrapperName = "php-wrapper"

// SiteInclude renders the shared include every virtual host of a site pulls
// in: web app document roots, CGI, interpreter, FTP, auth and block-list
// blocks, and connector mounts.
func (b *Builder) SiteInclude(in SiteInput) ([]byte, error) {
	site := in.Site
	f := in.Features
	root, err := site.RootWebApp()
	if err != nil {
		return nil, &domain.InvariantError{Entity: "site", Name: site.Name, Err: err}
	}

	c := newConf()
	c.comment("site %s", site.Name)
	if site.Disabled {
		c.comment("site is disabled")
	}
	if site.ServerAdmin != "" {
		c.line("ServerAdmin %s", site.ServerAdmin)
	}
	c.line("DocumentRoot %s", quote(DocRoot(b.WWWDir, site, root)))
	c.blank()

	b.webApp(c, in, root)
	for _, app := range sortedApps(site.WebApps) {
		if app.Path == "" {
			continue
		}
		app := app
		b.webApp(c, in, &app)
	}

	siteRoot := SiteRoot(b.WWWDir, site.Name)
	if site.CGI && f.On(domain.ModCGI) {
		cgi := path.Join(siteRoot, CGIBin)
		c.line("ScriptAlias /cgi-bin/ %s", quote(cgi+"/"))
		c.open("Directory", quote(cgi))
		c.line("AllowOverride None")
		c.line("Options +ExecCGI")
		c.line("SetHandler cgi-script")
		c.lines(b.Strategy.AllowAll())
		c.close("Directory")
		c.blank()
	}

	if site.PHPVersion != "" && !site.Disabled {
		b.interpreter(c, in)
	}

	if site.AnonymousFTP && f.On(domain.ModAlias) {
		ftp := path.Join(siteRoot, FTPPub)
		c.line("Alias /ftp %s", quote(ftp))
		c.open("Directory", quote(ftp))
		c.line("AllowOverride None")
		if f.On(domain.ModAutoindex) {
			c.line("Options +Indexes")
		} else {
			c.line("Options None")
		}
		c.lines(b.Strategy.AllowAll())
		c.close("Directory")
		c.blank()
	}

	if f.On(domain.ModAuthBasic) {
		for _, loc := range site.AuthLocations {
			b.authLocation(c, loc)
		}
	}

	b.blockLists(c, in)

	if site.Tomcat != nil && f.On(domain.ModJK) && !site.Disabled {
		for _, m := range site.Tomcat.Mounts {
			if m.Unmount {
				c.line("JkUnMount %s %s", m.Path, m.Worker)
			} else {
				c.line("JkMount %s %s", m.Path, m.Worker)
			}
		}
	}
	return c.bytes(), nil
}

// sortedApps orders web apps by mount path so map-like input renders stably.
func sortedApps(apps []domain.WebApp) []domain.WebApp {
	out := make([]domain.WebApp, len(apps))
	copy(out, apps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (b *Builder) webApp(c *conf, in SiteInput, app *domain.WebApp) {
	site := in.Site
	f := in.Features
	dir := DocRoot(b.WWWDir, site, app)

	if app.Path != "" {
		mount := "/" + strings.Trim(app.Path, "/")
		c.line("Alias %s %s", mount, quote(dir))
	}
	c.open("Directory", quote(dir))
	c.line("Options %s", strings.Join(b.options(in, app), " "))
	c.line("AllowOverride %s", allowOverride(site, app))
	if app.CGI && f.On(domain.ModCGI) {
		c.line("AddHandler cgi-script .cgi .pl")
	}
	c.lines(b.Strategy.AllowAll())
	c.close("Directory")
	c.blank()
}

func (b *Builder) options(in SiteInput, app *domain.WebApp) []string {
	site := in.Site
	f := in.Features
	opts := []string{}
	if site.Indexes && f.On(domain.ModAutoindex) {
		opts = append(opts, "+Indexes")
	} else {
		opts = append(opts, "-Indexes")
	}
	if site.FollowSymlinks {
		opts = append(opts, "+FollowSymLinks")
	} else {
		opts = append(opts, "+SymLinksIfOwnerMatch")
	}
	if site.SSI && f.On(domain.ModInclude) {
		opts = append(opts, "+IncludesNOEXEC")
	}
	if app.CGI && f.On(domain.ModCGI) {
		opts = append(opts, "+ExecCGI")
	}
	for _, o := range app.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if site.Disabled && strings.Contains(strings.ToLower(o), "cgi") {
			continue
		}
		opts = append(opts, o)
	}
	return opts
}

func allowOverride(site *domain.Site, app *domain.WebApp) string {
	switch {
	case app.AllowOverride != "":
		return app.AllowOverride
	case site.HtAccess:
		return "All"
	default:
		return "None"
	}
}

func (b *Builder) interpreter(c *conf, in SiteInput) {
	site := in.Site
	f := in.Features
	siteRoot := SiteRoot(b.WWWDir, site.Name)

	switch {
	case f.On(domain.ModPHP):
		c.line("php_admin_value session.save_path %s", quote(path.Join(siteRoot, SessionDir)))
		c.line("php_admin_value upload_tmp_dir %s", quote(path.Join(siteRoot, Tmp)))
		c.line("php_admin_value open_basedir %s", quote(siteRoot+"/"))
		c.blank()
	case f.On(domain.ModActions) && f.On(domain.ModCGI):
		bin := path.Join(siteRoot, Bin)
		c.line("ScriptAlias /.httpdsync-php/ %s", quote(bin+"/"))
		c.line("Action php-script /.httpdsync-php/%s", PHPWrapperName)
		c.line("AddHandler php-script .php")
		c.open("Directory", quote(bin))
		c.line("AllowOverride None")
		c.line("Options +ExecCGI")
		c.line("SetHandler cgi-script")
		c.lines(b.Strategy.AllowAll())
		c.close("Directory")
		c.blank()
	default:
		c.comment("php %s requested but no interpreter module is enabled", site.PHPVersion)
	}
}

func (b *Builder) authLocation(c *conf, loc domain.AuthLocation) {
	realm := loc.Realm
	if realm == "" {
		realm = "Restricted"
	}
	require := loc.Require
	if require == "" {
		require = "valid-user"
	}
	c.open("Location", quote(loc.Path))
	c.line("AuthType Basic")
	c.line("AuthName %s", quote(realm))
	if loc.UserFile != "" {
		c.line("AuthUserFile %s", quote(loc.UserFile))
	}
	if loc.GroupFile != "" {
		c.line("AuthGroupFile %s", quote(loc.GroupFile))
	}
	c.line("Require %s", require)
	c.close("Location")
	c.blank()
}

func (b *Builder) blockLists(c *conf, in SiteInput) {
	site := in.Site
	deny := b.Strategy.DenyAll()
	if site.BlockSCM {
		c.open("DirectoryMatch", quote(`/\.(git|svn|hg|bzr|cvs)(/|$)`))
		c.lines(deny)
		c.close("DirectoryMatch")
	}
	if site.BlockEditorBackups {
		c.open("FilesMatch", quote(`(~|\.bak|\.swp|\.orig|\.old)$`))
		c.lines(deny)
		c.close("FilesMatch")
	}
	if site.BlockCoreDumps {
		c.open("FilesMatch", quote(`^core(\.[0-9]+)?$`))
		c.lines(deny)
		c.close("FilesMatch")
	}
	if site.BlockTraceTrack {
		c.open("IfModule", "mod_rewrite.c")
		c.line("RewriteEngine On")
		c.line("%s", "RewriteCond %{REQUEST_METHOD} ^(TRACE|TRACK)")
		c.line("RewriteRule .* - [F]")
		c.close("IfModule")
	}
}
