package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

const (
	// DefaultRetention is the age after which backup runs are pruned
	DefaultRetention = 30 * 24 * time.Hour // 30 days
)

// BackupPruner removes old backup runs written by fsapply.RenameBackup
type BackupPruner struct {
	applier   *fsapply.Applier
	dir       string
	logger    logger.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	stopCh    chan struct{}
}

// NewBackupPruner creates a pruner for the backup runs below dir
func NewBackupPruner(
	applier *fsapply.Applier,
	dir string,
	log logger.Logger,
	interval time.Duration,
	retention time.Duration,
) *BackupPruner {
	if retention == 0 {
		retention = DefaultRetention
	}

	return &BackupPruner{
		applier:   applier,
		dir:       dir,
		logger:    log,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start prunes once, then periodically until ctx is done or Stop is called
func (bp *BackupPruner) Start(ctx context.Context) error {
	if _, err := bp.Prune(ctx); err != nil {
		bp.logger.Warn("initial backup pruning failed",
			logger.Error(err))
	}

	ticker := time.NewTicker(bp.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := bp.Prune(ctx); err != nil {
					bp.logger.Error("backup pruning failed",
						logger.Error(err))
				}
			case <-bp.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the pruner
func (bp *BackupPruner) Stop() {
	close(bp.stopCh)
}

// Prune removes every backup run older than the retention and returns how
// many were removed. Entries not named after a run stamp are left alone.
func (bp *BackupPruner) Prune(ctx context.Context) (int, error) {
	root := bp.applier.Path(bp.dir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list backups: %w", err)
	}

	now := bp.now()
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		stamp, err := time.Parse(fsapply.StampLayout, e.Name())
		if err != nil {
			continue
		}

		age := now.Sub(stamp)
		if age < bp.retention {
			continue
		}

		if err := os.RemoveAll(bp.applier.Path(bp.dir + "/" + e.Name())); err != nil {
			return removed, fmt.Errorf("prune %s: %w", e.Name(), err)
		}

		bp.logger.Info("pruned backup run",
			logger.String("run", e.Name()),
			logger.String("age", age.Round(time.Hour).String()))

		removed++
	}

	if removed > 0 {
		bp.logger.Info("backup pruning completed",
			logger.Int("removed", removed))
	} else {
		bp.logger.Debug("no backup runs to prune")
	}

	return removed, nil
}
