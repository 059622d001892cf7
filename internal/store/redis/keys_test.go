package redis

import "testing"

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"stash", StashKey("shop", "www"), "httpdsync:stash:shop:www"},
		{"concurrency", ConcurrencyKey("default"), "httpdsync:concurrency:default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
