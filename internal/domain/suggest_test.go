package domain

import "testing"

func TestSuggest(t *testing.T) {
	names := []string{"shop", "shop-admin", "blog", "intranet"}
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{name: "prefix", query: "sho", want: "shop"},
		{name: "substring", query: "admin", want: "shop-admin"},
		{name: "typo", query: "shpo", want: "shop"},
		{name: "case", query: "BLOG", want: "blog"},
		{name: "nothing close", query: "zzz", want: ""},
		{name: "empty", query: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Suggest(tt.query, names); got != tt.want {
				t.Errorf("Suggest(%q) = %q, want %q", tt.query, got, tt.want)
			}
		})
	}
}
