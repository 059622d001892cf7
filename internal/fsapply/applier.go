// Package fsapply is the only writer of generated files. Every artifact goes
// through Install, which replaces the target atomically and only when its
// content differs, so callers learn whether anything changed without reading
// the file back.
package fsapply

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

// Keep passes uid or gid to leave that owner unchanged.
const Keep = -1

// Applier installs files below Root and accumulates the restorecon set and
// the delete list for the current pass.
type Applier struct {
	// Root prefixes every path. It is "/" in production.
	Root string
	log  logger.Logger

	mu         sync.Mutex
	restorecon map[string]struct{}
	deletes    map[string]struct{}
}

func New(root string, log logger.Logger) *Applier {
	if root == "" {
		root = "/"
	}
	return &Applier{
		Root:       root,
		log:        log,
		restorecon: make(map[string]struct{}),
		deletes:    make(map[string]struct{}),
	}
}

// Path maps a host path to its location below Root.
func (a *Applier) Path(p string) string {
	return filepath.Join(a.Root, filepath.FromSlash(path.Clean("/"+p)))
}

// Install writes data to p when the current content differs, then enforces
// mode and ownership. It reports whether anything changed.
func (a *Applier) Install(p string, data []byte, mode os.FileMode, uid, gid int) (bool, error) {
	target := a.Path(p)
	current, err := os.ReadFile(target)
	switch {
	case err == nil && bytes.Equal(current, data):
		return a.Enforce(p, mode, uid, gid)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("read %s: %w", p, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, fmt.Errorf("create parent of %s: %w", p, err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".httpdsync-*")
	if err != nil {
		return false, fmt.Errorf("create temp for %s: %w", p, err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return false, fmt.Errorf("sync %s: %w", p, err)
	}
	if err := tmpFile.Close(); err != nil {
		return false, fmt.Errorf("close temp for %s: %w", p, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return false, fmt.Errorf("chmod %s: %w", p, err)
	}
	if err := chown(tmpPath, uid, gid); err != nil {
		return false, fmt.Errorf("chown %s: %w", p, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return false, fmt.Errorf("rename into %s: %w", p, err)
	}
	success = true

	a.markRestorecon(p)
	a.log.Debug("installed", logger.String("path", p))
	return true, nil
}

// MkdirIfMissing creates p with mode and owner when it does not exist. An
// existing directory is left as it is.
func (a *Applier) MkdirIfMissing(p string, mode os.FileMode, uid, gid int) (bool, error) {
	target := a.Path(p)
	info, err := os.Lstat(target)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s exists and is not a directory", p)
		}
		return false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	if err := os.MkdirAll(target, mode); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", p, err)
	}
	// MkdirAll is subject to the umask.
	if err := os.Chmod(target, mode); err != nil {
		return false, fmt.Errorf("chmod %s: %w", p, err)
	}
	if err := chown(target, uid, gid); err != nil {
		return false, fmt.Errorf("chown %s: %w", p, err)
	}
	a.markRestorecon(p)
	return true, nil
}

// Enforce sets mode and ownership of an existing path when they differ.
func (a *Applier) Enforce(p string, mode os.FileMode, uid, gid int) (bool, error) {
	target := a.Path(p)
	var st unix.Stat_t
	if err := unix.Lstat(target, &st); err != nil {
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	changed := false
	if !sameMode(st.Mode, mode) {
		if err := os.Chmod(target, mode); err != nil {
			return false, fmt.Errorf("chmod %s: %w", p, err)
		}
		changed = true
	}
	if (uid != Keep && uint32(uid) != st.Uid) || (gid != Keep && uint32(gid) != st.Gid) {
		if err := chown(target, uid, gid); err != nil {
			return false, fmt.Errorf("chown %s: %w", p, err)
		}
		changed = true
	}
	if changed {
		a.markRestorecon(p)
	}
	return changed, nil
}

// Owner returns the numeric owner of p.
func (a *Applier) Owner(p string) (uid, gid int, err error) {
	var st unix.Stat_t
	if err := unix.Lstat(a.Path(p), &st); err != nil {
		return 0, 0, err
	}
	return int(st.Uid), int(st.Gid), nil
}

// sameMode compares permission and special bits of a raw stat mode with an
// os.FileMode.
func sameMode(raw uint32, mode os.FileMode) bool {
	want := uint32(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		want |= unix.S_ISUID
	}
	if mode&os.ModeSetgid != 0 {
		want |= unix.S_ISGID
	}
	if mode&os.ModeSticky != 0 {
		want |= unix.S_ISVTX
	}
	return raw&0o7777 == want
}

func chown(p string, uid, gid int) error {
	if uid == Keep && gid == Keep {
		return nil
	}
	return os.Lchown(p, uid, gid)
}

// ReadFile returns the content of p.
func (a *Applier) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(a.Path(p))
}

// Exists reports whether p exists.
func (a *Applier) Exists(p string) bool {
	_, err := os.Lstat(a.Path(p))
	return err == nil
}

// ScheduleDelete queues p for backup-then-delete at the end of the pass.
func (a *Applier) ScheduleDelete(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deletes[path.Clean(p)] = struct{}{}
}

func (a *Applier) markRestorecon(p string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restorecon[path.Clean(p)] = struct{}{}
}

// Restorecon returns the paths whose security label needs a refresh.
func (a *Applier) Restorecon() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.restorecon)
}

// Deletes returns the paths scheduled for deletion.
func (a *Applier) Deletes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return sortedKeys(a.deletes)
}

// Reset clears the accumulated sets. Called at the start of every pass.
func (a *Applier) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restorecon = make(map[string]struct{})
	a.deletes = make(map[string]struct{})
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ExtraFiles schedules every entry of dir that is neither kept nor protected
// for deletion and returns them. Temp files left by an interrupted Install
// are included. A missing dir has no extra files.
func (a *Applier) ExtraFiles(dir string, keep map[string]bool, protected []string) ([]string, error) {
	entries, err := os.ReadDir(a.Path(dir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	prot := make(map[string]bool, len(protected))
	for _, name := range protected {
		prot[name] = true
	}
	var extra []string
	for _, e := range entries {
		name := e.Name()
		if keep[name] || prot[name] {
			continue
		}
		p := path.Join(dir, name)
		extra = append(extra, p)
		a.ScheduleDelete(p)
	}
	if len(extra) > 0 {
		a.log.Info("extra files scheduled for removal",
			logger.String("dir", dir), logger.Strings("paths", extra))
	}
	return extra, nil
}

