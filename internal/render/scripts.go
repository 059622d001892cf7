package render

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/version"
)

// Workers renders the mod_jk worker map for every site on the instance with
// an application container mount. Workers are listed in name order; a worker
// declared by two sites keeps the first definition.
func (b *Builder) Workers(sites []*domain.Site) []byte {
	workers := map[string]domain.JkWorker{}
	for _, site := range sites {
		if site.Disabled || site.Tomcat == nil {
			continue
		}
		for _, w := range site.Tomcat.Workers {
			if _, dup := workers[w.Name]; !dup {
				workers[w.Name] = w
			}
		}
	}
	names := make([]string, 0, len(workers))
	for name := range workers {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", version.Generated())
	fmt.Fprintf(&buf, "worker.list=%s\n", strings.Join(names, ","))
	for _, name := range names {
		w := workers[name]
		typ := w.Type
		if typ == "" {
			typ = "ajp13"
		}
		fmt.Fprintf(&buf, "worker.%s.type=%s\n", name, typ)
		fmt.Fprintf(&buf, "worker.%s.host=%s\n", name, w.Host)
		fmt.Fprintf(&buf, "worker.%s.port=%d\n", name, w.Port)
	}
	return buf.Bytes()
}

// TmpFiles renders the tmpfiles.d entry that recreates the instance's runtime
// directory at boot. It returns nil on generations without tmpfiles.d.
func (b *Builder) TmpFiles(inst *domain.Instance) []byte {
	if b.Strategy.TmpFilesPath(inst) == "" {
		return nil
	}
	id := b.Identity(inst)
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", version.Generated())
	fmt.Fprintf(&buf, "d %s 0710 root %s -\n", path.Dir(b.Strategy.PidFile(inst)), id.Group)
	return buf.Bytes()
}

func script(body string, args ...interface{}) []byte {
	var buf bytes.Buffer
	buf.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&buf, "# %s\n", version.Generated())
	fmt.Fprintf(&buf, body, args...)
	return buf.Bytes()
}

// PHPWrapper renders the CGI bootstrap for sites whose interpreter runs as a
// CGI program. It pins the session and upload directories to the site tree.
func (b *Builder) PHPWrapper(site *domain.Site) []byte {
	root := SiteRoot(b.WWWDir, site.Name)
	return script(`PHPRC=%s
export PHPRC
exec /usr/bin/php-cgi%s \
    -d session.save_path=%s \
    -d upload_tmp_dir=%s \
    -d open_basedir=%s/ \
    "$@"
`, path.Join(root, "etc"), site.PHPVersion, path.Join(root, SessionDir), path.Join(root, Tmp), root)
}

// LogMerge renders the piped-log helper that appends every virtual host log
// of a site to one combined file readable by the site group.
func (b *Builder) LogMerge(site *domain.Site) []byte {
	combined := path.Join(SiteLogDir(b.LogDir, site.Name), "combined_log")
	return script(`umask 027
while IFS= read -r line; do
    printf '%%s\n' "$line" >> %s
done
`, combined)
}

// LogViewer renders a helper the site owner runs to follow their logs.
func (b *Builder) LogViewer(site *domain.Site) []byte {
	return script(`cd %s || exit 1
exec tail -n "${1:-100}" -F ./*_log
`, SiteLogDir(b.LogDir, site.Name))
}

// ForceUpdateName is the trigger script installed for each site.
const ForceUpdateName = "force-update"

// ForceUpdate renders the helper that asks the local agent for an immediate
// convergence pass.
func (b *Builder) ForceUpdate(site *domain.Site, adminURL string) []byte {
	return script(`exec curl -fsS -X POST %s/reconcile?site=%s
`, adminURL, site.Name)
}

// LogRotateDir holds one rotation descriptor per site.
const LogRotateDir = "/etc/logrotate.d/httpd-sites"

// LogRotate renders the rotation descriptor of a site. Logs are listed in
// the given order; postrotate reloads every unit serving the site.
func (b *Builder) LogRotate(site *domain.Site, logs, units []string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n", version.Generated())
	fmt.Fprintf(&buf, "%s {\n", strings.Join(logs, " "))
	buf.WriteString("    weekly\n")
	buf.WriteString("    rotate 8\n")
	buf.WriteString("    compress\n")
	buf.WriteString("    delaycompress\n")
	buf.WriteString("    missingok\n")
	buf.WriteString("    notifempty\n")
	buf.WriteString("    sharedscripts\n")
	id := site.Effective(b.Fallback)
	fmt.Fprintf(&buf, "    create 0640 root %s\n", id.Group)
	if len(units) > 0 {
		buf.WriteString("    postrotate\n")
		for _, u := range units {
			if b.Strategy.Systemd() {
				fmt.Fprintf(&buf, "        /bin/systemctl reload %s >/dev/null 2>&1 || true\n", u)
			} else {
				fmt.Fprintf(&buf, "        /sbin/service %s reload >/dev/null 2>&1 || true\n", u)
			}
		}
		buf.WriteString("    endscript\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}
