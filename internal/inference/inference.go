// Package inference decides which optional modules an instance needs by
// looking at every site bound to it. Every rule is a monotone "any site
// requires it" predicate, resolved against the instance's tri-state override.
package inference

import (
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
)

// Placement is one virtual host served by the instance, with its effective
// site and resolved binds.
type Placement struct {
	Site        *domain.Site
	VirtualHost *domain.VirtualHost
	Binds       []domain.Bind
}

// Input is everything inference looks at for one instance.
type Input struct {
	Instance   *domain.Instance
	Placements []Placement
	// Brotli is set when the OS generation ships mod_brotli.
	Brotli bool
}

// Features is the resolved on/off state of every inferable module.
type Features struct {
	on map[domain.Module]bool
}

// On reports whether m is enabled.
func (f Features) On(m domain.Module) bool { return f.on[m] }

// Enabled lists enabled modules in domain.Modules order.
func (f Features) Enabled() []domain.Module {
	out := make([]domain.Module, 0, len(f.on))
	for _, m := range domain.Modules {
		if f.on[m] {
			out = append(out, m)
		}
	}
	return out
}

// Set is used by tests and by callers composing features by hand.
func (f *Features) Set(m domain.Module, v bool) {
	if f.on == nil {
		f.on = make(map[domain.Module]bool, len(domain.Modules))
	}
	f.on[m] = v
}

// Infer resolves every module for one instance.
func Infer(in Input) Features {
	inst := in.Instance
	var f Features
	resolve := func(m domain.Module, inferred bool) bool {
		v := inst.Override(m).Resolve(inferred)
		f.Set(m, v)
		return v
	}

	embedded := inst.PHPVersion != ""

	var (
		anyCGI, anyCGIInterpreter, anyEmbeddedPHP bool
		anyAuth, anyIndexes, anySSI, anyJK        bool
		anyHeaders, anyProxy, anyRewrite          bool
	)
	for _, p := range in.Placements {
		site := p.Site
		if site.UsesCGI() {
			anyCGI = true
		}
		if site.PHPVersion != "" {
			if embedded {
				anyEmbeddedPHP = true
			} else if !site.Disabled {
				anyCGIInterpreter = true
			}
		}
		if len(site.AuthLocations) > 0 {
			anyAuth = true
		}
		if site.Indexes {
			anyIndexes = true
		}
		if site.SSI {
			anySSI = true
		}
		if site.Tomcat != nil && len(site.Tomcat.Mounts) > 0 && !site.Disabled {
			anyJK = true
		}
		if site.BlockTraceTrack {
			anyRewrite = true
		}

		vh := p.VirtualHost
		if site.VirtualHostDisabled(vh) {
			continue
		}
		if len(vh.Headers) > 0 {
			anyHeaders = true
		}
		if vh.RedirectToPrimary || len(vh.Rewrites) > 0 {
			anyRewrite = true
		}
		for _, r := range vh.Rewrites {
			if domain.ParseFlags(r.Flags).Proxy {
				anyProxy = true
			}
		}
	}

	anyHTTPS := false
	for _, b := range inst.Binds {
		if b.Protocol == domain.HTTPS {
			anyHTTPS = true
		}
	}

	actions := resolve(domain.ModActions, anyCGIInterpreter)
	resolve(domain.ModAlias, true)
	resolve(domain.ModAuthBasic, anyAuth)
	resolve(domain.ModAutoindex, anyIndexes)
	brotli := resolve(domain.ModBrotli, true) && in.Brotli
	f.Set(domain.ModBrotli, brotli)
	resolve(domain.ModCGI, anyCGI || actions)
	deflate := resolve(domain.ModDeflate, true)
	resolve(domain.ModDir, true)
	include := resolve(domain.ModInclude, anySSI)
	resolve(domain.ModFilter, deflate || brotli || include)
	resolve(domain.ModHeaders, anyHeaders)
	resolve(domain.ModJK, anyJK)
	resolve(domain.ModMime, true)
	resolve(domain.ModPHP, anyEmbeddedPHP)
	proxy := resolve(domain.ModProxy, anyProxy)
	resolve(domain.ModProxyHTTP, proxy)
	resolve(domain.ModRewrite, anyRewrite)
	// Older browsers need the SSL downgrade BrowserMatch rules.
	resolve(domain.ModSetEnvIf, anyHTTPS)
	ssl := resolve(domain.ModSSL, anyHTTPS)
	resolve(domain.ModSocacheSHM, ssl)

	return f
}
