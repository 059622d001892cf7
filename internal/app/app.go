package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/config"
	"github.com/MrSnakeDoc/httpdsync/internal/desired"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/execx"
	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/httpserver"
	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/osync"
	"github.com/MrSnakeDoc/httpdsync/internal/reconciler"
	"github.com/MrSnakeDoc/httpdsync/internal/redis"
	"github.com/MrSnakeDoc/httpdsync/internal/scheduler"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
	"github.com/MrSnakeDoc/httpdsync/internal/store/memory"
	redisstore "github.com/MrSnakeDoc/httpdsync/internal/store/redis"
	"github.com/MrSnakeDoc/httpdsync/internal/utils"
	"github.com/MrSnakeDoc/httpdsync/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	server      *httpserver.Server
	redisClient *goredis.Client
	reconciler  *reconciler.Reconciler
	reporter    *scheduler.ConcurrencyReporter
	pruner      *scheduler.BackupPruner
}

// New wires the daemon. Redis must answer before anything else starts.
func New() (*App, error) {
	cfg := config.Load()

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)
	ctx, cancel := context.WithCancel(context.Background())

	// Initialize Redis early - fail fast if unavailable
	loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
	redisClient, err := redis.Connect(ctx, redis.OptionsFromConfig(cfg), loggerClient)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	loggerClient.Info("Redis initialized successfully")
	store := redisstore.NewStore(redisClient)

	watcher, err := desired.NewWatcher(cfg.StateFile, desired.DefaultDebounce, loggerClient)
	if err != nil {
		cancel()
		_ = redisClient.Close()
		return nil, err
	}
	changes := desired.Merge(ctx, watcher.Changes(ctx), store.Changes(ctx, loggerClient))

	procs, err := service.NewProcfs("/proc")
	if err != nil {
		cancel()
		_ = redisClient.Close()
		return nil, err
	}

	opts := options(cfg, loggerClient)
	opts.Store = store
	opts.Changes = changes
	opts.Prober.Table = procs
	rec := reconciler.New(opts)

	d := deps.Deps{
		Logger:         loggerClient,
		StartTime:      time.Now(),
		Hostname:       cfg.Hostname,
		Version:        version.Version,
		Commit:         version.Commit,
		BuildDate:      version.BuildDate,
		GoVersion:      version.GoVersion,
		TimeNow:        time.Now,
		AllowedCIDRS:   cfg.AllowedCIDRS,
		TrustProxy:     cfg.TrustProxy,
		Admin:          rec,
		Store:          store,
		PingTimeout:    cfg.RedisPingTimeout,
		AdminRateLimit: cfg.AdminRateLimit,
	}

	return &App{
		cfg:         cfg,
		logger:      loggerClient,
		ctx:         ctx,
		cancel:      cancel,
		server:      httpserver.New(cfg, loggerClient, d),
		redisClient: redisClient,
		reconciler:  rec,
		reporter:    scheduler.NewConcurrencyReporter(rec, loggerClient, cfg.ProbeInterval),
		pruner:      scheduler.NewBackupPruner(opts.Applier, cfg.BackupDir, loggerClient, cfg.GCInterval, cfg.BackupRetention),
	}, nil
}

// options builds the reconciler collaborators every command shares. The
// store, change feed and process table are left to the caller.
func options(cfg *config.Config, log logger.Logger) reconciler.Options {
	run := execx.Exec{}
	applier := fsapply.New(cfg.ConfRoot, log)

	var selinux osync.SELinux
	if cfg.SELinuxEnabled {
		selinux = osync.Semanage{Run: run}
	}
	initSystem := service.DetectInit(run, service.SystemdRunDir)

	return reconciler.Options{
		Source:        desired.NewFileSource(cfg.StateFile),
		Applier:       applier,
		Backup:        &fsapply.RenameBackup{Applier: applier, Dir: cfg.BackupDir, Log: log},
		Accounts:      accounts.OS{},
		HomeDirs:      accounts.Passwd{Path: "/etc/passwd"},
		Init:          initSystem,
		Prober:        &service.Prober{Init: initSystem},
		Sync:          &osync.Synchronizer{SELinux: selinux, Packages: osync.Yum{Run: run}, UninstallEnabled: cfg.UninstallEnabled, Log: log},
		Hostname:      cfg.Hostname,
		WWWDir:        cfg.WWWDir,
		LogDir:        cfg.LogDir,
		DisabledDir:   cfg.DisabledDir,
		Fallback:      domain.Identity{User: cfg.FallbackUser, Group: cfg.FallbackGroup},
		Interval:      cfg.PassInterval,
		Expected:      cfg.PassExpected,
		SiteOpTimeout: cfg.SiteOpTimeout,
		RestartDelay:  cfg.RestartDelay,
		Log:           log,
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting %s on %s", version.Banner(), a.cfg.Listen)

	ctx, stop := signal.NotifyContext(a.ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The first pass is queued here; its failure never blocks start-up.
	a.reconciler.Start(ctx)
	a.logger.Info("reconciler started",
		logger.Duration("interval", a.cfg.PassInterval))

	if err := a.reporter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start concurrency reporter: %w", err)
	}
	a.logger.Info("concurrency reporter started",
		logger.Duration("interval", a.cfg.ProbeInterval))

	if err := a.pruner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backup pruner: %w", err)
	}
	a.logger.Info("backup pruner started",
		logger.Duration("interval", a.cfg.GCInterval),
		logger.Duration("retention", a.cfg.BackupRetention))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
	}

	a.reporter.Stop()
	a.pruner.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to stop server: %w", err)
	}

	// Waits for a running pass; cancelling the app context ends the change feeds.
	a.cancel()
	a.reconciler.Stop()

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}
	_ = a.logger.Sync()

	if runErr == nil {
		a.logger.Info("✅ httpdsync stopped cleanly")
	}
	return runErr
}

// Plan renders the desired state without touching the host and writes every
// artifact to w, each preceded by its path.
func Plan(ctx context.Context, w io.Writer) error {
	cfg := config.LoadLocal()
	log := logger.New(cfg.LogLevel, cfg.PrettyLog)
	opts := options(cfg, log)
	opts.Store = memory.NewStore(0)

	arts, err := reconciler.New(opts).Plan(ctx)
	if err != nil {
		return err
	}
	for _, art := range arts {
		if _, err := fmt.Fprintf(w, "# ---- %s\n%s\n", art.Path, art.Data); err != nil {
			return err
		}
	}
	return nil
}

// Notify publishes a desired-state change so every agent runs a pass.
func Notify(ctx context.Context, table string) error {
	cfg := config.LoadLocal()
	log := logger.New(cfg.LogLevel, cfg.PrettyLog)

	client, err := redis.Connect(ctx, redis.OptionsFromConfig(cfg), log)
	if err != nil {
		return err
	}
	defer utils.Close(client)
	return redisstore.NewStore(client).PublishChange(ctx, table)
}
