package domain

import (
	"strconv"
	"strings"
)

// RewriteRule is one mod_rewrite rule with its optional conditions.
type RewriteRule struct {
	Pattern      string   `yaml:"pattern" validate:"required"`
	Substitution string   `yaml:"substitution" validate:"required"`
	Flags        string   `yaml:"flags"` // "L,R=301", with or without brackets
	Conditions   []string `yaml:"conditions"`
}

// RuleFlags is the parsed form of a RewriteRule flag list.
type RuleFlags struct {
	Last     bool // L or END
	End      bool
	Redirect int // 0 when not a redirect, otherwise the status code
	Proxy    bool
	Forbid   bool
	Gone     bool
	Skip     int    // S=n
	Type     string // T=mime
	NoCase   bool
	QSA      bool
	Raw      []string
}

// ParseFlags parses a comma separated flag list such as "L,R=301" or "[NC,P]".
func ParseFlags(s string) RuleFlags {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var f RuleFlags
	if s == "" {
		return f
	}
	for _, raw := range strings.Split(s, ",") {
		flag := strings.TrimSpace(raw)
		if flag == "" {
			continue
		}
		f.Raw = append(f.Raw, flag)
		name, value, _ := strings.Cut(flag, "=")
		switch strings.ToUpper(name) {
		case "L", "LAST":
			f.Last = true
		case "END":
			f.Last = true
			f.End = true
		case "R", "REDIRECT":
			f.Redirect = redirectCode(value)
		case "P", "PROXY":
			f.Proxy = true
		case "F", "FORBIDDEN":
			f.Forbid = true
		case "G", "GONE":
			f.Gone = true
		case "S", "SKIP":
			if n, err := strconv.Atoi(value); err == nil {
				f.Skip = n
			}
		case "T", "TYPE":
			f.Type = value
		case "NC", "NOCASE":
			f.NoCase = true
		case "QSA", "QSAPPEND":
			f.QSA = true
		}
	}
	return f
}

func redirectCode(v string) int {
	switch strings.ToLower(v) {
	case "":
		return 302
	case "permanent":
		return 301
	case "temp":
		return 302
	case "seeother":
		return 303
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 300 && n < 400 {
		return n
	}
	return 302
}

// Terminal reports whether processing stops after this rule matches. A proxy
// rule is implicitly last in mod_rewrite; a redirect is not unless flagged.
func (f RuleFlags) Terminal() bool {
	return f.Last || f.Proxy || f.Forbid || f.Gone
}

// matchesWholePath lists the patterns treated as "matches every request path".
var matchesWholePath = map[string]bool{
	"^":        true,
	"^/":       true,
	".*":       true,
	"^.*":      true,
	"^.*$":     true,
	"(.*)":     true,
	"^(.*)":    true,
	"^(.*)$":   true,
	"/(.*)":    true,
	"^/(.*)":   true,
	"^/(.*)$":  true,
	"^/?(.*)":  true,
	"^/?(.*)$": true,
	"^/.*$":    true,
	"^/.*":     true,
}

// MatchesWholePath reports whether pattern matches every request path.
func MatchesWholePath(pattern string) bool {
	return matchesWholePath[strings.TrimSpace(pattern)]
}

// RedirectsEverything reports whether a rule set sends every request
// elsewhere before anything else in the virtual host can serve it: the first
// effective rule is unconditional, matches the whole path, is terminal, and
// redirects or proxies. Rules carrying S= or T= are never treated as
// covering the whole request space.
func RedirectsEverything(rules []RewriteRule) bool {
	for _, r := range rules {
		f := ParseFlags(r.Flags)
		if len(r.Conditions) > 0 || f.Skip > 0 || f.Type != "" {
			return false
		}
		if !MatchesWholePath(r.Pattern) {
			// A narrower rule ahead means some requests fall through.
			return false
		}
		if !(f.Last || f.Proxy) {
			return false
		}
		return f.Redirect != 0 || f.Proxy
	}
	return false
}
