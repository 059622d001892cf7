package render

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/inference"
	"github.com/MrSnakeDoc/httpdsync/internal/utils"
)

// VirtualHostInput is what a virtual host file is built from.
type VirtualHostInput struct {
	Instance    *domain.Instance
	Site        *domain.Site // effective view
	VirtualHost *domain.VirtualHost
	// Binds are the resolved binds of the virtual host.
	Binds    []domain.Bind
	Features inference.Features
}

// Default certificate used by HTTPS virtual hosts without their own.
const (
	DefaultCertFile = "/etc/pki/tls/certs/localhost.crt"
	DefaultKeyFile  = "/etc/pki/tls/private/localhost.key"
)

// Hostnames returns the ServerName and ServerAlias values of a virtual host.
// The primary name comes first, then the virtual host aliases, then for each
// bind its aliases and its IP when it is neither a wildcard nor loopback.
// Every value appears once. With nothing else to list the primary is
// repeated as the only alias so ServerAlias is never empty.
func Hostnames(vh *domain.VirtualHost, binds []domain.Bind) (name string, aliases []string) {
	seen := map[string]bool{strings.ToLower(vh.Primary): true}
	add := func(h string) {
		h = strings.TrimSpace(h)
		key := strings.ToLower(h)
		if h == "" || seen[key] {
			return
		}
		seen[key] = true
		aliases = append(aliases, h)
	}

	for _, a := range vh.Aliases {
		add(a)
	}
	for _, vb := range vh.Binds {
		for _, a := range vb.Aliases {
			add(a)
		}
		if b, ok := findBind(binds, vb.Bind); ok && !utils.IsWildcardOrLoopback(b.IP) && utils.IsIPLiteral(b.IP) {
			add(b.IP)
		}
	}
	if len(aliases) == 0 {
		aliases = []string{vh.Primary}
	}
	return vh.Primary, aliases
}

func findBind(binds []domain.Bind, id string) (domain.Bind, bool) {
	for _, b := range binds {
		if b.ID() == id {
			return b, true
		}
	}
	return domain.Bind{}, false
}

// IncludeSkipped reports whether the shared include is commented out of a
// virtual host: mod_rewrite is off and the rule set sends every request
// elsewhere, so nothing in the include could ever be reached.
func IncludeSkipped(vh *domain.VirtualHost, f inference.Features) bool {
	return !f.On(domain.ModRewrite) && domain.RedirectsEverything(vh.Rewrites)
}

// VirtualHostConfig renders a virtual host file. Disabled virtual hosts get
// the placeholder form that answers every request with a 403.
func (b *Builder) VirtualHostConfig(in VirtualHostInput) []byte {
	if in.Site.VirtualHostDisabled(in.VirtualHost) {
		return b.disabledVirtualHost(in)
	}
	vh := in.VirtualHost
	include := SiteIncludePath(b.Strategy, in.Instance, in.Site.Name)
	skip := IncludeSkipped(vh, in.Features)

	c := newConf()
	c.comment("site %s, virtual host %s", in.Site.Name, vh.Name)
	for _, bind := range b.servedBinds(in) {
		c.open("VirtualHost", bind.Listen())
		b.vhostHeader(c, in)
		if bind.Protocol == domain.HTTPS {
			b.tls(c, vh)
		}
		b.headers(c, in)
		b.rewrites(c, in, bind)
		if skip {
			c.comment("Include %s (every request is redirected)", quote(include))
		} else {
			c.line("Include %s", quote(include))
		}
		c.close("VirtualHost")
	}
	return c.bytes()
}

func (b *Builder) disabledVirtualHost(in VirtualHostInput) []byte {
	vh := in.VirtualHost
	deny := b.Strategy.DenyAll()

	c := newConf()
	c.line("%s", disabledHeader(in.Site.Name, vh.Name))
	for _, bind := range b.servedBinds(in) {
		c.open("VirtualHost", bind.Listen())
		b.vhostHeader(c, in)
		if bind.Protocol == domain.HTTPS {
			b.tls(c, vh)
		}
		c.line("DocumentRoot %s", quote(b.DisabledDir))
		c.line(`ErrorDocument 403 "Site disabled."`)
		c.open("Directory", quote(b.DisabledDir))
		c.line("AllowOverride None")
		c.line("Options None")
		c.lines(deny)
		c.close("Directory")
		c.close("VirtualHost")
	}
	return c.bytes()
}

func disabledHeader(site, vhost string) string {
	return "# site " + site + ", virtual host " + vhost + " (disabled)"
}

// IsDisabledPlaceholder reports whether data is the disabled form rendered
// for the virtual host rather than operator content.
func IsDisabledPlaceholder(data []byte, site, vhost string) bool {
	return bytes.HasPrefix(data, []byte(disabledHeader(site, vhost)+"\n"))
}

func (b *Builder) servedBinds(in VirtualHostInput) []domain.Bind {
	var out []domain.Bind
	for _, vb := range in.VirtualHost.Binds {
		bind, ok := findBind(in.Binds, vb.Bind)
		if !ok || bind.Protocol == domain.AJP {
			continue
		}
		out = append(out, bind)
	}
	return out
}

func (b *Builder) vhostHeader(c *conf, in VirtualHostInput) {
	name, aliases := Hostnames(in.VirtualHost, in.Binds)
	c.line("ServerName %s", name)
	c.line("ServerAlias %s", strings.Join(aliases, " "))
	if in.Site.ServerAdmin != "" {
		c.line("ServerAdmin %s", in.Site.ServerAdmin)
	}
	c.line("CustomLog %s combined", quote(AccessLog(b.LogDir, in.Site, in.VirtualHost)))
	c.line("ErrorLog %s", quote(ErrorLog(b.LogDir, in.Site, in.VirtualHost)))
}

func (b *Builder) tls(c *conf, vh *domain.VirtualHost) {
	cert, key, chain := DefaultCertFile, DefaultKeyFile, ""
	if vh.Certificate != nil {
		cert, key, chain = vh.Certificate.CertFile, vh.Certificate.KeyFile, vh.Certificate.ChainFile
	}
	c.line("SSLEngine on")
	c.line("SSLCertificateFile %s", quote(cert))
	c.line("SSLCertificateKeyFile %s", quote(key))
	if chain != "" {
		c.line("SSLCertificateChainFile %s", quote(chain))
	}
}

func (b *Builder) headers(c *conf, in VirtualHostInput) {
	if len(in.VirtualHost.Headers) == 0 {
		return
	}
	if !in.Features.On(domain.ModHeaders) {
		c.comment("%d header rules ignored: mod_headers is off", len(in.VirtualHost.Headers))
		return
	}
	for _, h := range in.VirtualHost.Headers {
		cond := ""
		if h.Always {
			cond = "always "
		}
		if h.Action == "unset" {
			c.line("Header %sunset %s", cond, h.Name)
			continue
		}
		c.line("Header %s%s %s %s", cond, h.Action, h.Name, quote(h.Value))
	}
}

func (b *Builder) rewrites(c *conf, in VirtualHostInput, bind domain.Bind) {
	vh := in.VirtualHost
	if !vh.RedirectToPrimary && len(vh.Rewrites) == 0 {
		return
	}
	f := in.Features

	if f.On(domain.ModRewrite) {
		c.line("RewriteEngine On")
		if vh.RedirectToPrimary {
			redirectToPrimary(c, vh, bind)
		}
		for _, r := range vh.Rewrites {
			rewriteRule(c, r)
		}
		return
	}

	if vh.RedirectToPrimary {
		c.open("IfModule", "mod_rewrite.c")
		c.line("RewriteEngine On")
		redirectToPrimary(c, vh, bind)
		c.close("IfModule")
	}
	for _, r := range vh.Rewrites {
		if line, ok := aliasRule(r, f); ok {
			c.line("%s", line)
			continue
		}
		c.open("IfModule", "mod_rewrite.c")
		c.line("RewriteEngine On")
		rewriteRule(c, r)
		c.close("IfModule")
	}
}

func redirectToPrimary(c *conf, vh *domain.VirtualHost, bind domain.Bind) {
	scheme, defaultPort := "http", 80
	if bind.Protocol == domain.HTTPS {
		scheme, defaultPort = "https", 443
	}
	target := vh.Primary
	if bind.Port != defaultPort {
		target += ":" + strconv.Itoa(bind.Port)
	}
	c.line("RewriteCond %%{HTTP_HOST} !^%s$ [NC]", regexQuote(vh.Primary))
	c.line("RewriteRule ^/?(.*)$ %s://%s/$1 [R=301,L]", scheme, target)
}

func rewriteRule(c *conf, r domain.RewriteRule) {
	for _, cond := range r.Conditions {
		c.line("RewriteCond %s", cond)
	}
	flags := ParsedFlagList(r.Flags)
	if flags == "" {
		c.line("RewriteRule %s %s", r.Pattern, r.Substitution)
		return
	}
	c.line("RewriteRule %s %s [%s]", r.Pattern, r.Substitution, flags)
}

// ParsedFlagList normalizes a flag list to the bracket-less comma form.
func ParsedFlagList(flags string) string {
	return strings.Join(domain.ParseFlags(flags).Raw, ",")
}

// mod_alias and mod_proxy can express a rewrite rule when it has no
// conditions and only uses these flags.
var aliasFlags = map[string]bool{
	"L": true, "LAST": true, "END": true, "R": true, "REDIRECT": true,
	"P": true, "PROXY": true, "F": true, "FORBIDDEN": true, "G": true, "GONE": true,
	"NC": true, "NOCASE": true, "QSA": true, "QSAPPEND": true,
}

// aliasRule converts a rewrite rule to RedirectMatch or ProxyPassMatch.
func aliasRule(r domain.RewriteRule, f inference.Features) (string, bool) {
	if len(r.Conditions) > 0 {
		return "", false
	}
	flags := domain.ParseFlags(r.Flags)
	for _, raw := range flags.Raw {
		name, _, _ := strings.Cut(raw, "=")
		if !aliasFlags[strings.ToUpper(name)] {
			return "", false
		}
	}
	pattern := r.Pattern
	if flags.NoCase {
		pattern = "(?i)" + pattern
	}
	switch {
	case flags.Proxy:
		if !f.On(domain.ModProxy) {
			return "", false
		}
		return "ProxyPassMatch " + pattern + " " + r.Substitution, true
	case !f.On(domain.ModAlias):
		return "", false
	case flags.Forbid:
		return "RedirectMatch 403 " + pattern, true
	case flags.Gone:
		return "RedirectMatch 410 " + pattern, true
	case flags.Redirect != 0:
		return "RedirectMatch " + strconv.Itoa(flags.Redirect) + " " + pattern + " " + r.Substitution, true
	}
	return "", false
}
