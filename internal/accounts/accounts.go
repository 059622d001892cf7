// Package accounts resolves OS users and groups to numeric ids and lists the
// home directories in use on the host.
package accounts

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"sync"

	"github.com/MrSnakeDoc/httpdsync/internal/domain"
)

// Resolver maps names to numeric ids. Unknown names return an error wrapping
// domain.ErrMissingAccount.
type Resolver interface {
	UID(name string) (int, error)
	GID(name string) (int, error)
}

// Owner resolves a user and group pair.
func Owner(r Resolver, id domain.Identity) (uid, gid int, err error) {
	if uid, err = r.UID(id.User); err != nil {
		return 0, 0, err
	}
	if gid, err = r.GID(id.Group); err != nil {
		return 0, 0, err
	}
	return uid, gid, nil
}

// OS resolves through the system user database.
type OS struct{}

func (OS) UID(name string) (int, error) {
	if name == "root" {
		return 0, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, missing("user", name, err)
	}
	return strconv.Atoi(u.Uid)
}

func (OS) GID(name string) (int, error) {
	if name == "root" {
		return 0, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, missing("group", name, err)
	}
	return strconv.Atoi(g.Gid)
}

func missing(kind, name string, err error) error {
	var unknownUser user.UnknownUserError
	var unknownGroup user.UnknownGroupError
	if errors.As(err, &unknownUser) || errors.As(err, &unknownGroup) {
		return fmt.Errorf("%w: %s %q", domain.ErrMissingAccount, kind, name)
	}
	return fmt.Errorf("lookup %s %q: %w", kind, name, err)
}

// Static is an in-memory Resolver for tests.
type Static struct {
	mu     sync.Mutex
	Users  map[string]int
	Groups map[string]int
}

func (s *Static) UID(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.Users[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: user %q", domain.ErrMissingAccount, name)
}

func (s *Static) GID(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.Groups[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("%w: group %q", domain.ErrMissingAccount, name)
}

// HomeDirs lists the home directories of every account on the host.
type HomeDirs interface {
	HomeDirs() ([]string, error)
}

// Passwd reads home directories from a passwd(5) file.
type Passwd struct {
	Path string
}

func (p Passwd) HomeDirs() ([]string, error) {
	path := p.Path
	if path == "" {
		path = "/etc/passwd"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 || fields[5] == "" {
			continue
		}
		out = append(out, fields[5])
	}
	return out, sc.Err()
}
