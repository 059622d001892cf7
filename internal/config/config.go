package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Listen          string        // ex: "127.0.0.1:8019"
	ShutdownTimeout time.Duration // ex: 5s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	Hostname  string // this host's name in the desired state
	StateFile string // path to the desired-state YAML file

	PassInterval  time.Duration // coalesced timer between convergence passes (default: 1h)
	PassExpected  time.Duration // expected maximum pass duration, only reported (default: 15m)
	SiteOpTimeout time.Duration // per-site start/stop timeout (default: 60s)
	RestartDelay  time.Duration // sleep between stop and start on restart (default: 2s)
	ProbeInterval time.Duration // concurrency report refresh (default: 5m)

	GCInterval      time.Duration // backup pruning interval (default: 24h)
	BackupRetention time.Duration // backups older than this are pruned (default: 30 days)

	ConfRoot    string // prefix applied to every generated path (default: "/")
	WWWDir      string // site trees (default: /var/www)
	LogDir      string // per-site logs (default: /var/log/httpd-sites)
	BackupDir   string // backup-then-delete target (default: /var/backup/httpdsync)
	DisabledDir string // document root served by disabled virtual hosts

	FallbackUser  string // identity of disabled sites and instances
	FallbackGroup string

	UninstallEnabled bool // allow removing packages no longer needed
	SELinuxEnabled   bool

	// Redis
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	AllowedCIDRS   []string // optional, restrict admin access to specific IPs/CIDRs
	TrustProxy     bool     // true => trust X-Forwarded-For headers
	AdminRateLimit int      // admin mutations per client and minute (default: 30, 0 disables)
}

// Load reads the daemon configuration. Missing required keys panic.
func Load() *Config {
	return load(requireEnv("HTTPDSYNC_REDIS_ADDR"))
}

// LoadLocal reads the configuration of commands that never reach Redis.
func LoadLocal() *Config {
	return load(getenv("HTTPDSYNC_REDIS_ADDR", ""))
}

func load(redisAddr string) *Config {
	cfg := &Config{
		// Admin surface
		Listen:          getenv("HTTPDSYNC_LISTEN", "127.0.0.1:8019"),
		ShutdownTimeout: mustDuration("HTTPDSYNC_SHUTDOWN_TIMEOUT", 5*time.Second),

		// Logging
		LogLevel:  getenv("HTTPDSYNC_LOG_LEVEL", "info"),
		PrettyLog: mustBool("HTTPDSYNC_PRETTY_LOG", false),

		// Desired state
		Hostname:  getenv("HTTPDSYNC_HOSTNAME", hostname()),
		StateFile: requireEnv("HTTPDSYNC_STATE_FILE"),

		// Pass timing
		PassInterval:  mustDuration("HTTPDSYNC_PASS_INTERVAL", time.Hour),
		PassExpected:  mustDuration("HTTPDSYNC_PASS_EXPECTED", 15*time.Minute),
		SiteOpTimeout: mustDuration("HTTPDSYNC_SITE_OP_TIMEOUT", 60*time.Second),
		RestartDelay:  mustDuration("HTTPDSYNC_RESTART_DELAY", 2*time.Second),
		ProbeInterval: mustDuration("HTTPDSYNC_PROBE_INTERVAL", 5*time.Minute),

		// Backups
		GCInterval:      mustDuration("HTTPDSYNC_GC_INTERVAL", 24*time.Hour),
		BackupRetention: mustDuration("HTTPDSYNC_BACKUP_RETENTION", 30*24*time.Hour),

		// Layout
		ConfRoot:    getenv("HTTPDSYNC_CONF_ROOT", "/"),
		WWWDir:      getenv("HTTPDSYNC_WWW_DIR", "/var/www"),
		LogDir:      getenv("HTTPDSYNC_LOG_DIR", "/var/log/httpd-sites"),
		BackupDir:   getenv("HTTPDSYNC_BACKUP_DIR", "/var/backup/httpdsync"),
		DisabledDir: getenv("HTTPDSYNC_DISABLED_DIR", "/var/www/disabled"),

		FallbackUser:  getenv("HTTPDSYNC_FALLBACK_USER", "apache"),
		FallbackGroup: getenv("HTTPDSYNC_FALLBACK_GROUP", "apache"),

		UninstallEnabled: mustBool("HTTPDSYNC_UNINSTALL_ENABLED", false),
		SELinuxEnabled:   mustBool("HTTPDSYNC_SELINUX_ENABLED", true),

		// Redis settings
		RedisAddr:           redisAddr,
		RedisUser:           getenv("HTTPDSYNC_REDIS_USERNAME", ""),
		RedisPassword:       getenv("HTTPDSYNC_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("HTTPDSYNC_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 4),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Access restrictions
		AllowedCIDRS:   parseAllowedIPs(getenv("HTTPDSYNC_ALLOWED_CIDRS", "")),
		TrustProxy:     mustBool("HTTPDSYNC_TRUST_PROXY", false),
		AdminRateLimit: getenvInt("HTTPDSYNC_ADMIN_RATE_LIMIT", 30),
	}

	if cfg.SiteOpTimeout <= 0 {
		panic("❌ FATAL: HTTPDSYNC_SITE_OP_TIMEOUT must be > 0")
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		if cfg.RedisPassword != "" {
			cfgCopy.RedisPassword = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// ClientConfig is the subset used by CLI subcommands talking to a running daemon.
// It never requires the daemon-only variables.
func ClientConfig() (listen string, timeout time.Duration) {
	return getenv("HTTPDSYNC_LISTEN", "127.0.0.1:8019"), mustDuration("HTTPDSYNC_CLIENT_TIMEOUT", 2*time.Minute)
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
