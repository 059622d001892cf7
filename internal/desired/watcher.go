package desired

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

// DefaultDebounce groups the burst of events an editor or an atomic rename
// produces into one notification.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes of the state file. It watches the parent
// directory so files replaced by rename keep being followed.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	log      logger.Logger
}

// NewWatcher starts watching path's directory.
func NewWatcher(path string, debounce time.Duration, log logger.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, watcher: w, log: log}, nil
}

// Changes emits one notification per debounced burst until ctx is done. The
// watcher is closed when the channel closes.
func (w *Watcher) Changes(ctx context.Context) <-chan domain.Change {
	out := make(chan domain.Change, 1)
	go func() {
		defer close(out)
		defer func() {
			if err := w.watcher.Close(); err != nil {
				w.log.Warn("failed to close state watcher", logger.Error(err))
			}
		}()

		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("state watcher error", logger.Error(err))
			case <-fire:
				fire = nil
				w.log.Debug("state file changed", logger.String("path", w.path))
				select {
				case out <- domain.Change{}:
				default:
					// A notification is already pending.
				}
			}
		}
	}()
	return out
}

// Merge fans several notification streams into one. The result closes once
// every input is closed or ctx is done.
func Merge(ctx context.Context, inputs ...<-chan domain.Change) <-chan domain.Change {
	out := make(chan domain.Change, 1)
	var wg sync.WaitGroup
	for _, in := range inputs {
		if in == nil {
			continue
		}
		wg.Add(1)
		go func(in <-chan domain.Change) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-in:
					if !ok {
						return
					}
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
