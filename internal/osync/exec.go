package osync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/execx"
)

// Semanage drives SELinux through semanage, getsebool, setsebool and
// restorecon. Only local port customizations are managed, so ports defined by
// the base policy are never touched.
type Semanage struct {
	Run execx.Runner
}

func (s Semanage) ConfigurePorts(ctx context.Context, ports []int, label string) (bool, error) {
	out, err := s.Run.Run(ctx, "semanage", "port", "-l", "-C")
	if err != nil {
		return false, err
	}
	have := LocalPorts(string(out), label)
	want := make(map[int]bool, len(ports))
	for _, p := range ports {
		want[p] = true
	}

	changed := false
	for _, p := range ports {
		if have[p] {
			continue
		}
		if _, err := s.Run.Run(ctx, "semanage", "port", "-a", "-t", label, "-p", "tcp", strconv.Itoa(p)); err != nil {
			// Already defined by the policy under another type.
			if _, err := s.Run.Run(ctx, "semanage", "port", "-m", "-t", label, "-p", "tcp", strconv.Itoa(p)); err != nil {
				return changed, err
			}
		}
		changed = true
	}
	var extra []int
	for p := range have {
		if !want[p] {
			extra = append(extra, p)
		}
	}
	sort.Ints(extra)
	for _, p := range extra {
		if _, err := s.Run.Run(ctx, "semanage", "port", "-d", "-t", label, "-p", "tcp", strconv.Itoa(p)); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// LocalPorts parses `semanage port -l -C` output and returns the tcp ports
// carrying label. Ranges are expanded.
func LocalPorts(out, label string) map[int]bool {
	ports := map[int]bool{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 || fields[0] != label || fields[1] != "tcp" {
			continue
		}
		for _, item := range strings.Split(strings.Join(fields[2:], ""), ",") {
			lo, hi, found := strings.Cut(item, "-")
			a, err := strconv.Atoi(lo)
			if err != nil {
				continue
			}
			b := a
			if found {
				if b, err = strconv.Atoi(hi); err != nil {
					continue
				}
			}
			for p := a; p <= b; p++ {
				ports[p] = true
			}
		}
	}
	return ports
}

func (s Semanage) GetBoolean(ctx context.Context, name string) (bool, error) {
	out, err := s.Run.Run(ctx, "getsebool", name)
	if err != nil {
		return false, err
	}
	// "httpd_enable_cgi --> on"
	_, v, ok := strings.Cut(strings.TrimSpace(string(out)), "-->")
	if !ok {
		return false, fmt.Errorf("getsebool %s: unexpected output %q", name, out)
	}
	return strings.TrimSpace(v) == "on", nil
}

func (s Semanage) SetBoolean(ctx context.Context, name string, value bool) error {
	v := "off"
	if value {
		v = "on"
	}
	_, err := s.Run.Run(ctx, "setsebool", "-P", name, v)
	return err
}

func (s Semanage) Restorecon(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := s.Run.Run(ctx, "restorecon", append([]string{"-R"}, paths...)...)
	return err
}

// Yum manages packages with rpm for queries and yum for changes.
type Yum struct {
	Run execx.Runner
}

func (y Yum) Installed(ctx context.Context, name string) (bool, error) {
	_, err := y.Run.Run(ctx, "rpm", "-q", "--quiet", name)
	if err == nil {
		return true, nil
	}
	var ce *execx.CommandError
	if errors.As(err, &ce) && ce.ExitCode() > 0 {
		return false, nil
	}
	return false, err
}

func (y Yum) Install(ctx context.Context, name string) error {
	_, err := y.Run.Run(ctx, "yum", "-y", "-q", "install", name)
	return err
}

func (y Yum) Remove(ctx context.Context, name string) error {
	_, err := y.Run.Run(ctx, "yum", "-y", "-q", "remove", name)
	return err
}
