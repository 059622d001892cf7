package config

import (
	"testing"
	"time"
)

func TestRequireEnv(t *testing.T) {
	t.Run("variable set", func(t *testing.T) {
		t.Setenv("HTTPDSYNC_TEST_VAR", "value")
		if got := requireEnv("HTTPDSYNC_TEST_VAR"); got != "value" {
			t.Errorf("requireEnv() = %q, want %q", got, "value")
		}
	})

	t.Run("variable not set", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Errorf("requireEnv() should have panicked")
			}
		}()
		requireEnv("HTTPDSYNC_TEST_VAR_MISSING")
	})
}

func TestMustDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      time.Duration
		expected time.Duration
	}{
		{name: "valid duration", value: "90s", def: time.Second, expected: 90 * time.Second},
		{name: "invalid duration uses default", value: "soon", def: 10 * time.Second, expected: 10 * time.Second},
		{name: "missing variable uses default", value: "", def: 15 * time.Minute, expected: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HTTPDSYNC_TEST_DURATION", tt.value)
			if got := mustDuration("HTTPDSYNC_TEST_DURATION", tt.def); got != tt.expected {
				t.Errorf("mustDuration() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestMustBool(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		def      bool
		expected bool
	}{
		{name: "true value", value: "true", def: false, expected: true},
		{name: "numeric false", value: "0", def: true, expected: false},
		{name: "invalid value uses default", value: "maybe", def: true, expected: true},
		{name: "missing variable uses default", value: "", def: false, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HTTPDSYNC_TEST_BOOL", tt.value)
			if got := mustBool("HTTPDSYNC_TEST_BOOL", tt.def); got != tt.expected {
				t.Errorf("mustBool() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSplitAndTrim(t *testing.T) {
	got := splitAndTrim(` 10.0.0.0/8, "192.168.1.4" ,, '127.0.0.1'`)
	want := []string{"10.0.0.0/8", "192.168.1.4", "127.0.0.1"}
	if len(got) != len(want) {
		t.Fatalf("splitAndTrim() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitAndTrim()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if splitAndTrim("") != nil {
		t.Error("splitAndTrim(\"\") should be nil")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HTTPDSYNC_STATE_FILE", "/etc/httpdsync/state.yaml")
	t.Setenv("HTTPDSYNC_REDIS_ADDR", "localhost:6379")
	t.Setenv("HTTPDSYNC_HOSTNAME", "web1.example.com")
	t.Setenv("HTTPDSYNC_SITE_OP_TIMEOUT", "")

	cfg := Load()
	if cfg.Hostname != "web1.example.com" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.SiteOpTimeout != 60*time.Second {
		t.Errorf("SiteOpTimeout = %v, want 60s", cfg.SiteOpTimeout)
	}
	if cfg.PassExpected != 15*time.Minute {
		t.Errorf("PassExpected = %v, want 15m", cfg.PassExpected)
	}
	if cfg.UninstallEnabled {
		t.Error("UninstallEnabled should default to false")
	}
	if cfg.FallbackUser != "apache" || cfg.FallbackGroup != "apache" {
		t.Errorf("fallback identity = %s:%s", cfg.FallbackUser, cfg.FallbackGroup)
	}
}

func TestLoadRequiresStateFile(t *testing.T) {
	t.Setenv("HTTPDSYNC_STATE_FILE", "")
	t.Setenv("HTTPDSYNC_REDIS_ADDR", "localhost:6379")

	defer func() {
		if r := recover(); r == nil {
			t.Error("Load() without HTTPDSYNC_STATE_FILE should panic")
		}
	}()
	Load()
}

func TestLoadLocalWithoutRedis(t *testing.T) {
	t.Setenv("HTTPDSYNC_STATE_FILE", "/etc/httpdsync/state.yaml")
	t.Setenv("HTTPDSYNC_REDIS_ADDR", "")

	cfg := LoadLocal()
	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty", cfg.RedisAddr)
	}
	if cfg.BackupRetention != 30*24*time.Hour {
		t.Errorf("BackupRetention = %v, want 720h", cfg.BackupRetention)
	}
}
