package domain

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tristate is a per-module override: force the module on, force it off, or
// let feature inference decide.
type Tristate int

const (
	Infer Tristate = iota
	ForceOn
	ForceOff
)

func (t Tristate) String() string {
	switch t {
	case ForceOn:
		return "on"
	case ForceOff:
		return "off"
	default:
		return "infer"
	}
}

// Resolve returns the override when one is set, otherwise inferred.
func (t Tristate) Resolve(inferred bool) bool {
	switch t {
	case ForceOn:
		return true
	case ForceOff:
		return false
	default:
		return inferred
	}
}

func ParseTristate(s string) (Tristate, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "infer", "auto":
		return Infer, nil
	case "on", "true", "yes", "enabled":
		return ForceOn, nil
	case "off", "false", "no", "disabled":
		return ForceOff, nil
	default:
		return Infer, fmt.Errorf("invalid tristate %q (want on, off or infer)", s)
	}
}

func (t *Tristate) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseTristate(node.Value)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t Tristate) MarshalYAML() (interface{}, error) { return t.String(), nil }

// Module names an optional Apache module whose presence is inferred per instance.
type Module string

const (
	ModActions    Module = "actions"
	ModAlias      Module = "alias"
	ModAuthBasic  Module = "auth_basic"
	ModAutoindex  Module = "autoindex"
	ModBrotli     Module = "brotli"
	ModCGI        Module = "cgi"
	ModDeflate    Module = "deflate"
	ModDir        Module = "dir"
	ModFilter     Module = "filter"
	ModHeaders    Module = "headers"
	ModInclude    Module = "include"
	ModJK         Module = "jk"
	ModMime       Module = "mime"
	ModPHP        Module = "php"
	ModProxy      Module = "proxy"
	ModProxyHTTP  Module = "proxy_http"
	ModRewrite    Module = "rewrite"
	ModSetEnvIf   Module = "setenvif"
	ModSocacheSHM Module = "socache_shmcb"
	ModSSL        Module = "ssl"
)

// Modules lists every inferable module in rendering order.
var Modules = []Module{
	ModActions,
	ModAlias,
	ModAuthBasic,
	ModAutoindex,
	ModBrotli,
	ModCGI,
	ModDeflate,
	ModDir,
	ModFilter,
	ModHeaders,
	ModInclude,
	ModJK,
	ModMime,
	ModPHP,
	ModProxy,
	ModProxyHTTP,
	ModRewrite,
	ModSetEnvIf,
	ModSocacheSHM,
	ModSSL,
}

func (m Module) Valid() bool {
	for _, known := range Modules {
		if m == known {
			return true
		}
	}
	return false
}
