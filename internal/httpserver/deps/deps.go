package deps

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
)

// Admin is the part of the reconciler the admin surface drives.
type Admin interface {
	Trigger(source string) bool
	StartSite(ctx context.Context, site string) (string, error)
	StopSite(ctx context.Context, site string) (string, error)
	Concurrency(ctx context.Context, instance string) (service.Report, error)
}

// Pinger reports whether the shared store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Hostname       string
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	TimeNow        func() time.Time // for testing, defaults to time.Now
	AllowedCIDRS   []string         // IPs allowed to reach the admin endpoints
	TrustProxy     bool             // true if running behind a trusted reverse proxy
	Admin          Admin
	Store          Pinger        // nil when running without Redis
	PingTimeout    time.Duration // readyz store check
	AdminRateLimit int           // admin mutations per client and minute
}
