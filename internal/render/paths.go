package render

import (
	"path"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
)

// Site tree layout below <www>/<site>.
const (
	HtDocs     = "htdocs"
	CGIBin     = "cgi-bin"
	Bin        = "bin"
	Tmp        = "tmp"
	SessionDir = "var/php/session"
	FTPPub     = "ftp/pub"
)

// SiteSubdirs lists every directory of a site tree in creation order.
var SiteSubdirs = []string{HtDocs, CGIBin, Bin, Tmp, "var", "var/php", SessionDir, "ftp", FTPPub}

// instanceLogs is the per-instance log directory below the log root. Site
// names must start with an alphanumeric so it never collides with a site.
const instanceLogs = "_instances"

func SiteRoot(wwwDir, site string) string { return path.Join(wwwDir, site) }

func SiteLogDir(logDir, site string) string { return path.Join(logDir, site) }

func InstanceLogDir(logDir string, inst *domain.Instance) string {
	return path.Join(logDir, instanceLogs, inst.DisplayName())
}

// AccessLog returns the configured access log path or the default one.
func AccessLog(logDir string, site *domain.Site, vh *domain.VirtualHost) string {
	if vh.AccessLog != "" {
		return vh.AccessLog
	}
	return path.Join(SiteLogDir(logDir, site.Name), vh.Name+"_access_log")
}

// ErrorLog returns the configured error log path or the default one.
func ErrorLog(logDir string, site *domain.Site, vh *domain.VirtualHost) string {
	if vh.ErrorLog != "" {
		return vh.ErrorLog
	}
	return path.Join(SiteLogDir(logDir, site.Name), vh.Name+"_error_log")
}

// DocRoot resolves a web app's document root. Relative roots are below the
// site tree; the default root is htdocs plus the mount path.
func DocRoot(wwwDir string, site *domain.Site, app *domain.WebApp) string {
	root := SiteRoot(wwwDir, site.Name)
	switch {
	case app.DocRoot == "":
		return path.Join(root, HtDocs, strings.TrimPrefix(app.Path, "/"))
	case path.IsAbs(app.DocRoot):
		return path.Clean(app.DocRoot)
	default:
		return path.Join(root, app.DocRoot)
	}
}
