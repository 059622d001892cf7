package domain

import "testing"

func TestParseFlags(t *testing.T) {
	f := ParseFlags("[L,R=permanent,NC]")
	if !f.Last || f.Redirect != 301 || !f.NoCase {
		t.Errorf("ParseFlags() = %+v", f)
	}

	f = ParseFlags("P")
	if !f.Proxy || !f.Terminal() {
		t.Errorf("proxy flag should be terminal: %+v", f)
	}

	f = ParseFlags("R")
	if f.Redirect != 302 || f.Terminal() {
		t.Errorf("bare R should be a non-terminal 302: %+v", f)
	}

	f = ParseFlags("S=2,T=text/plain")
	if f.Skip != 2 || f.Type != "text/plain" {
		t.Errorf("ParseFlags(S,T) = %+v", f)
	}

	if f := ParseFlags(""); f.Last || len(f.Raw) != 0 {
		t.Errorf("ParseFlags(\"\") = %+v", f)
	}
}

func TestRedirectsEverything(t *testing.T) {
	tests := []struct {
		name  string
		rules []RewriteRule
		want  bool
	}{
		{
			name:  "no rules",
			rules: nil,
			want:  false,
		},
		{
			name:  "whole path permanent redirect",
			rules: []RewriteRule{{Pattern: "^(.*)$", Substitution: "https://example.com$1", Flags: "L,R=301"}},
			want:  true,
		},
		{
			name:  "whole path proxy without L",
			rules: []RewriteRule{{Pattern: "^/(.*)$", Substitution: "http://127.0.0.1:8080/$1", Flags: "P"}},
			want:  true,
		},
		{
			name:  "redirect without last falls through",
			rules: []RewriteRule{{Pattern: "^(.*)$", Substitution: "https://example.com$1", Flags: "R=301"}},
			want:  false,
		},
		{
			name:  "last without redirect or proxy",
			rules: []RewriteRule{{Pattern: "^(.*)$", Substitution: "/index.php", Flags: "L"}},
			want:  false,
		},
		{
			name:  "narrow pattern",
			rules: []RewriteRule{{Pattern: "^/old/(.*)$", Substitution: "/new/$1", Flags: "L,R"}},
			want:  false,
		},
		{
			name: "conditional rule",
			rules: []RewriteRule{{
				Pattern: "^(.*)$", Substitution: "https://example.com$1", Flags: "L,R",
				Conditions: []string{"%{HTTPS} !=on"},
			}},
			want: false,
		},
		{
			name:  "skip flag combined with last",
			rules: []RewriteRule{{Pattern: "^(.*)$", Substitution: "https://example.com$1", Flags: "L,R,S=1"}},
			want:  false,
		},
		{
			name:  "type flag combined with last",
			rules: []RewriteRule{{Pattern: "^(.*)$", Substitution: "http://b/$1", Flags: "P,T=text/html"}},
			want:  false,
		},
		{
			name: "narrow rule ahead of catch-all",
			rules: []RewriteRule{
				{Pattern: "^/health$", Substitution: "-", Flags: "L"},
				{Pattern: "^(.*)$", Substitution: "https://example.com$1", Flags: "L,R"},
			},
			want: false,
		},
		{
			name:  "end flag counts as last",
			rules: []RewriteRule{{Pattern: ".*", Substitution: "https://example.com/", Flags: "END,R=302"}},
			want:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RedirectsEverything(tt.rules); got != tt.want {
				t.Errorf("RedirectsEverything() = %v, want %v", got, tt.want)
			}
		})
	}
}
