package fsapply

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

// StampLayout names the per-run directories below a backup Dir.
const StampLayout = "20060102T150405Z"

// Backup removes a path from the host only after preserving it.
type Backup interface {
	BackupAndDelete(ctx context.Context, p string) error
}

// RenameBackup moves deleted paths into a dated directory below Dir. Dir must
// be on the same filesystem as the paths it receives.
type RenameBackup struct {
	Applier *Applier
	// Dir is a host path, resolved through the applier's root.
	Dir string
	Now func() time.Time
	Log logger.Logger
}

func (b *RenameBackup) BackupAndDelete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := b.Applier.Path(p)
	if _, err := os.Lstat(src); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	stamp := now().UTC().Format(StampLayout)
	dst := b.Applier.Path(filepath.Join(b.Dir, stamp, p))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return fmt.Errorf("create backup dir for %s: %w", p, err)
	}
	// Two deletions of the same path within one second keep both copies.
	base := dst
	for i := 1; ; i++ {
		if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
			break
		}
		dst = fmt.Sprintf("%s.%d", base, i)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("backup %s: %w", p, err)
	}
	if b.Log != nil {
		b.Log.Info("backed up and removed", logger.String("path", p), logger.String("backup", dst))
	}
	return nil
}
