package reconciler

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/osync"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
	"github.com/MrSnakeDoc/httpdsync/internal/service"
	"github.com/MrSnakeDoc/httpdsync/internal/store/memory"
)

const (
	mainConf   = "/etc/httpd/instances/default/httpd.conf"
	siteConf   = "/etc/httpd/instances/default/sites/shop.conf"
	legacyConf = "/etc/httpd/instances/default/vhosts/shop/legacy.conf"
)

type fakeInit struct {
	mu        sync.Mutex
	active    map[string]bool
	failStart map[string]bool
	pid       map[string]int
	calls     []string
}

func newFakeInit() *fakeInit {
	return &fakeInit{active: map[string]bool{}, failStart: map[string]bool{}, pid: map[string]int{}}
}

func (f *fakeInit) record(op, unit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+unit)
}

func (f *fakeInit) Enable(_ context.Context, unit string) error {
	f.record("enable", unit)
	return nil
}

func (f *fakeInit) Disable(_ context.Context, unit string) error {
	f.record("disable", unit)
	return nil
}

func (f *fakeInit) Start(_ context.Context, unit string) error {
	f.record("start", unit)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart[unit] {
		return errors.New("start failed")
	}
	f.active[unit] = true
	return nil
}

func (f *fakeInit) Stop(_ context.Context, unit string) error {
	f.record("stop", unit)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[unit] = false
	return nil
}

func (f *fakeInit) ReloadOrRestart(_ context.Context, unit string) error {
	f.record("reload", unit)
	return nil
}

func (f *fakeInit) IsActive(_ context.Context, unit string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[unit], nil
}

func (f *fakeInit) MainPID(_ context.Context, unit, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pid[unit], nil
}

func (f *fakeInit) called(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == line {
			return true
		}
	}
	return false
}

type fakePackages struct {
	installed map[string]bool
}

func (f *fakePackages) Installed(_ context.Context, name string) (bool, error) {
	return f.installed[name], nil
}

func (f *fakePackages) Install(_ context.Context, name string) error {
	f.installed[name] = true
	return nil
}

func (f *fakePackages) Remove(_ context.Context, name string) error {
	delete(f.installed, name)
	return nil
}

type fakeTable []service.Process

func (f fakeTable) Processes() ([]service.Process, error) { return f, nil }

type homes []string

func (h homes) HomeDirs() ([]string, error) { return h, nil }

type stateSource struct {
	mu sync.Mutex
	st *domain.State
}

func (s *stateSource) Snapshot(context.Context) (*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.st.Index(); err != nil {
		return nil, err
	}
	return s.st, nil
}

func (s *stateSource) update(fn func(st *domain.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

func testState() *domain.State {
	return &domain.State{
		Host: domain.Host{Name: "web1.example.com", OS: domain.Rocky9, CPUs: 8},
		Instances: []domain.Instance{{
			MaxConcurrency: 200,
			User:           "apache",
			Group:          "apache",
			Enabled:        true,
			Binds: []domain.Bind{
				{IP: "192.0.2.10", Port: 80, Protocol: domain.HTTP},
				{IP: "192.0.2.10", Port: 443, Protocol: domain.HTTPS},
			},
		}},
		Sites: []domain.Site{{
			Name:    "shop",
			User:    "shop",
			Group:   "shop",
			WebApps: []domain.WebApp{{Path: ""}},
			VirtualHosts: []domain.VirtualHost{
				{Name: "www", Primary: "shop.example", RedirectToPrimary: true, Binds: []domain.VirtualHostBind{{Bind: "192.0.2.10:443"}}},
				{Name: "legacy", Primary: "old.shop.example", Manual: true, Binds: []domain.VirtualHostBind{{Bind: "192.0.2.10:80"}}},
			},
		}},
	}
}

type harness struct {
	r       *Reconciler
	applier *fsapply.Applier
	init    *fakeInit
	store   *memory.Store
	source  *stateSource
	pkgs    *fakePackages
	groups  map[string]int
	slept   []time.Duration
}

func newHarness(t *testing.T, st *domain.State) *harness {
	t.Helper()
	uid, gid := os.Getuid(), os.Getgid()
	a := fsapply.New(t.TempDir(), logger.Nop())
	h := &harness{
		applier: a,
		init:    newFakeInit(),
		store:   memory.NewStore(time.Minute),
		source:  &stateSource{st: st},
		pkgs:    &fakePackages{installed: map[string]bool{}},
		groups:  map[string]int{"root": gid, "shop": gid, "apache": gid},
	}

	opts := Options{Source: h.source, Applier: a, Init: h.init, Store: h.store, Log: logger.Nop()}
	opts.Backup = &fsapply.RenameBackup{Applier: a, Dir: "/var/backup/httpdsync"}
	opts.Accounts = &accounts.Static{
		Users:  map[string]int{"root": uid, "shop": uid, "apache": uid},
		Groups: h.groups,
	}
	opts.HomeDirs = homes{}
	opts.Sync = &osync.Synchronizer{Packages: h.pkgs, Log: logger.Nop()}
	opts.Prober = &service.Prober{Init: h.init}
	opts.Hostname = "web1.example.com"
	opts.WWWDir, opts.LogDir, opts.DisabledDir = "/var/www", "/var/log/httpd-sites", "/var/www/disabled"
	opts.Fallback = domain.Identity{User: "apache", Group: "apache"}
	opts.RestartDelay = time.Second
	opts.Sleep = func(d time.Duration) { h.slept = append(h.slept, d) }
	h.r = New(opts)
	return h
}

func (h *harness) pass(t *testing.T) Summary {
	t.Helper()
	sum, err := h.r.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass() error = %v", err)
	}
	return sum
}

func (h *harness) write(t *testing.T, p string, data []byte) {
	t.Helper()
	full := h.applier.Path(p)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) read(t *testing.T, p string) []byte {
	t.Helper()
	data, err := h.applier.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestRunPassConvergesThenIsIdempotent(t *testing.T) {
	h := newHarness(t, testState())

	first := h.pass(t)
	if first.PassID == "" {
		t.Error("pass has no id")
	}
	if len(first.Changed) == 0 {
		t.Fatal("first pass changed nothing")
	}
	if !reflect.DeepEqual(first.Started, []string{"default"}) {
		t.Errorf("Started = %v, want [default]", first.Started)
	}
	if !h.init.called("enable httpd.service") || !h.init.called("start httpd.service") {
		t.Errorf("calls = %v", h.init.calls)
	}
	conf := string(h.read(t, mainConf))
	for _, want := range []string{"Listen 192.0.2.10:443 https", "LoadModule ssl_module", "LoadModule rewrite_module", "ThreadsPerChild 13"} {
		if !strings.Contains(conf, want) {
			t.Errorf("main config lacks %q", want)
		}
	}
	for _, pkg := range []string{"httpd", "mod_ssl"} {
		if !h.pkgs.installed[pkg] {
			t.Errorf("package %s not installed", pkg)
		}
	}

	second := h.pass(t)
	if len(second.Changed) != 0 {
		t.Errorf("second pass changed %v", second.Changed)
	}
	if len(second.Reloaded)+len(second.Restarted)+len(second.Started) != 0 {
		t.Errorf("second pass acted on services: %+v", second)
	}
}

func TestReloadWhenSiteIncludeChanges(t *testing.T) {
	h := newHarness(t, testState())
	h.pass(t)
	before := h.read(t, siteConf)

	h.source.update(func(st *domain.State) { st.Sites[0].Indexes = true })
	sum := h.pass(t)

	if bytes.Equal(before, h.read(t, siteConf)) {
		t.Fatal("site include not re-rendered")
	}
	if !reflect.DeepEqual(sum.Reloaded, []string{"default"}) || len(sum.Restarted) != 0 {
		t.Errorf("Reloaded = %v Restarted = %v", sum.Reloaded, sum.Restarted)
	}
	if !h.init.called("reload httpd.service") {
		t.Error("instance not reloaded")
	}
}

func TestRestartWhenListenChanges(t *testing.T) {
	h := newHarness(t, testState())
	h.pass(t)

	h.source.update(func(st *domain.State) {
		st.Instances[0].Binds = append(st.Instances[0].Binds, domain.Bind{IP: "192.0.2.10", Port: 8080, Protocol: domain.HTTP})
	})
	sum := h.pass(t)

	if !reflect.DeepEqual(sum.Restarted, []string{"default"}) {
		t.Errorf("Restarted = %v, want [default]", sum.Restarted)
	}
	if len(sum.Reloaded) != 0 {
		t.Errorf("Reloaded = %v, want none", sum.Reloaded)
	}
	if !reflect.DeepEqual(h.slept, []time.Duration{time.Second}) {
		t.Errorf("slept = %v, want [1s]", h.slept)
	}
}

func TestManualVirtualHostStashRoundTrip(t *testing.T) {
	h := newHarness(t, testState())
	ctx := context.Background()
	h.pass(t)

	edited := []byte("# hand written\n<VirtualHost 192.0.2.10:80>\n</VirtualHost>\n")
	h.write(t, legacyConf, edited)
	h.pass(t)
	if !bytes.Equal(h.read(t, legacyConf), edited) {
		t.Fatal("manual virtual host was overwritten while enabled")
	}

	h.source.update(func(st *domain.State) { st.Sites[0].VirtualHosts[1].Disabled = true })
	h.pass(t)
	if bytes.Equal(h.read(t, legacyConf), edited) {
		t.Fatal("disabled virtual host still serves the manual file")
	}
	stash, ok, _ := h.store.GetStash(ctx, "shop", "legacy")
	if !ok || !bytes.Equal(stash, edited) {
		t.Fatalf("stash = %q, want the manual bytes", stash)
	}

	// An edit while disabled never replaces the first stash.
	h.write(t, legacyConf, []byte("# edited while disabled\n"))
	h.pass(t)
	if stash, _, _ := h.store.GetStash(ctx, "shop", "legacy"); !bytes.Equal(stash, edited) {
		t.Fatalf("stash overwritten with %q", stash)
	}

	h.source.update(func(st *domain.State) { st.Sites[0].VirtualHosts[1].Disabled = false })
	h.pass(t)
	if !bytes.Equal(h.read(t, legacyConf), edited) {
		t.Errorf("restored = %q, want %q", h.read(t, legacyConf), edited)
	}
	if h.store.StashCount() != 0 {
		t.Error("stash kept after restore")
	}
}

func TestManualVirtualHostLeavesPlaceholder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
	}{
		{"first seen disabled", func(t *testing.T, h *harness) {
			h.source.update(func(st *domain.State) { st.Sites[0].VirtualHosts[1].Disabled = true })
			h.pass(t)
			h.pass(t)
		}},
		{"stash lost", func(t *testing.T, h *harness) {
			h.pass(t)
			h.write(t, legacyConf, []byte("# hand written\n"))
			h.source.update(func(st *domain.State) { st.Sites[0].VirtualHosts[1].Disabled = true })
			h.pass(t)
			if err := h.store.DeleteStash(context.Background(), "shop", "legacy"); err != nil {
				t.Fatal(err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testState())
			tt.setup(t, h)
			if !render.IsDisabledPlaceholder(h.read(t, legacyConf), "shop", "legacy") {
				t.Fatalf("disabled file = %q", h.read(t, legacyConf))
			}
			if h.store.StashCount() != 0 {
				t.Fatal("disabled placeholder was stashed")
			}

			h.source.update(func(st *domain.State) { st.Sites[0].VirtualHosts[1].Disabled = false })
			h.pass(t)
			got := h.read(t, legacyConf)
			if render.IsDisabledPlaceholder(got, "shop", "legacy") {
				t.Fatalf("re-enabled virtual host still disabled: %q", got)
			}
			if !bytes.Contains(got, []byte("Include ")) {
				t.Errorf("re-enabled virtual host = %q, want the generated form", got)
			}

			edited := []byte("# hand written again\n")
			h.write(t, legacyConf, edited)
			h.pass(t)
			if !bytes.Equal(h.read(t, legacyConf), edited) {
				t.Error("manual virtual host overwritten after regeneration")
			}
		})
	}
}

func TestExtraFilesBackedUpNotUnlinked(t *testing.T) {
	h := newHarness(t, testState())
	h.pass(t)

	stale := "/etc/httpd/instances/default/vhosts/shop/old.conf"
	readme := "/etc/httpd/instances/default/sites/README"
	h.write(t, stale, []byte("# old\n"))
	h.write(t, readme, []byte("generated files\n"))
	sum := h.pass(t)

	if !reflect.DeepEqual(sum.Removed, []string{stale}) {
		t.Errorf("Removed = %v, want [%s]", sum.Removed, stale)
	}
	if h.applier.Exists(stale) {
		t.Error("stale file still in place")
	}
	if !h.applier.Exists(readme) {
		t.Error("protected file removed")
	}
	backups, err := filepath.Glob(h.applier.Path("/var/backup/httpdsync/*" + stale))
	if err != nil || len(backups) != 1 {
		t.Errorf("backups = %v, err = %v", backups, err)
	}
	if !reflect.DeepEqual(sum.Reloaded, []string{"default"}) {
		t.Errorf("Reloaded = %v, want [default]", sum.Reloaded)
	}
}

func TestRemovedInstanceIsStopped(t *testing.T) {
	st := testState()
	st.Instances = append(st.Instances, domain.Instance{
		Name: "api", MaxConcurrency: 50, User: "apache", Group: "apache", Enabled: true,
		Binds: []domain.Bind{{IP: "192.0.2.11", Port: 80, Protocol: domain.HTTP}},
	})
	h := newHarness(t, st)
	h.pass(t)
	if !h.init.called("start httpd@api.service") {
		t.Fatal("second instance not started")
	}

	h.source.update(func(st *domain.State) { st.Instances = st.Instances[:1] })
	sum := h.pass(t)

	if !reflect.DeepEqual(sum.Removed, []string{"/etc/httpd/instances/api"}) {
		t.Errorf("Removed = %v", sum.Removed)
	}
	if !h.init.called("stop httpd@api.service") || !h.init.called("disable httpd@api.service") {
		t.Errorf("calls = %v", h.init.calls)
	}
}

func TestPassFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
		want   string
	}{
		{
			name: "no root web app",
			mutate: func(h *harness) {
				h.source.update(func(st *domain.State) { st.Sites[0].WebApps[0].Path = "/app" })
			},
			want: "invariant",
		},
		{
			name:   "missing site group",
			mutate: func(h *harness) { delete(h.groups, "shop") },
			want:   "account",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testState())
			tt.mutate(h)
			_, err := h.r.RunPass(context.Background())
			if err == nil {
				t.Fatal("RunPass() should fail")
			}
			if got := Result(err); got != tt.want {
				t.Errorf("Result() = %q, want %q (err %v)", got, tt.want, err)
			}
			if h.applier.Exists(mainConf) {
				t.Error("main config written by a failed pass")
			}
		})
	}
}

func TestSiteDaemonFailureIsolated(t *testing.T) {
	st := testState()
	st.Sites = append(st.Sites,
		domain.Site{Name: "a", User: "shop", Group: "shop", WebApps: []domain.WebApp{{Path: ""}}, Tomcat: &domain.Tomcat{Unit: "tomcat@a.service"}},
		domain.Site{Name: "b", User: "shop", Group: "shop", WebApps: []domain.WebApp{{Path: ""}}, Tomcat: &domain.Tomcat{Unit: "tomcat@b.service"}},
	)
	h := newHarness(t, st)
	h.init.failStart["tomcat@a.service"] = true

	sum := h.pass(t)
	if !reflect.DeepEqual(sum.SiteFailures, []string{"a"}) {
		t.Errorf("SiteFailures = %v, want [a]", sum.SiteFailures)
	}
	if active, _ := h.init.IsActive(context.Background(), "tomcat@b.service"); !active {
		t.Error("site b not started after site a failed")
	}
}

func TestStartSite(t *testing.T) {
	st := testState()
	st.Sites[0].Tomcat = &domain.Tomcat{Unit: "tomcat@shop.service"}
	h := newHarness(t, st)
	ctx := context.Background()

	reason, err := h.r.StartSite(ctx, "nope")
	if err != nil || reason != service.ReasonUnknownSite {
		t.Errorf("StartSite(nope) = %q, %v", reason, err)
	}
	reason, err = h.r.StartSite(ctx, "shop")
	if err != nil || reason != "" {
		t.Errorf("StartSite(shop) = %q, %v", reason, err)
	}
	if !h.init.called("start tomcat@shop.service") {
		t.Error("site daemon not started")
	}
	reason, err = h.r.StopSite(ctx, "shop")
	if err != nil || reason != "" {
		t.Errorf("StopSite(shop) = %q, %v", reason, err)
	}
}

func TestPlanWritesNothing(t *testing.T) {
	h := newHarness(t, testState())
	arts, err := h.r.Plan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(arts) == 0 || arts[0].Path != mainConf {
		t.Fatalf("Plan() = %v", arts)
	}
	if !bytes.Contains(arts[0].Data, []byte("Listen 192.0.2.10:80")) {
		t.Error("planned main config lacks the http listener")
	}
	if h.applier.Exists(mainConf) {
		t.Error("Plan() wrote to disk")
	}
}

func TestConcurrency(t *testing.T) {
	h := newHarness(t, testState())
	h.init.pid["httpd.service"] = 100
	h.r.opts.Prober.Table = fakeTable{
		{PID: 101, PPID: 100, Executable: "/usr/sbin/httpd"},
		{PID: 102, PPID: 100, Executable: "/usr/sbin/httpd"},
		{PID: 103, PPID: 100, Executable: "/usr/sbin/httpd"},
		{PID: 104, PPID: 100, Executable: "/usr/bin/rotatelogs"},
		{PID: 200, PPID: 1, Executable: "/usr/sbin/httpd"},
	}
	ctx := context.Background()

	rep, err := h.r.Concurrency(ctx, "default")
	if err != nil {
		t.Fatal(err)
	}
	if rep.Children != 3 || rep.PerProcess != 13 || rep.Concurrency != 39 {
		t.Errorf("report = %+v", rep)
	}
	if _, ok, _ := h.store.GetConcurrency(ctx, "default"); !ok {
		t.Error("report not saved")
	}
	if _, err := h.r.Concurrency(ctx, "nope"); !errors.Is(err, ErrUnknownInstance) {
		t.Errorf("unknown instance error = %v", err)
	}
}

func TestTriggerCoalesces(t *testing.T) {
	h := newHarness(t, testState())
	if !h.r.Trigger("admin") {
		t.Error("first trigger not queued")
	}
	if h.r.Trigger("admin") {
		t.Error("second trigger should fold into the pending pass")
	}
}

func TestStartRunsFirstPass(t *testing.T) {
	h := newHarness(t, testState())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.r.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for !h.init.called("start httpd.service") {
		if time.Now().After(deadline) {
			t.Fatal("first pass never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.r.Stop()
}

func TestNeedsRestart(t *testing.T) {
	base := "ServerRoot \"/etc/httpd\"\nListen 192.0.2.10:80\n<IfModule mpm_event_module>\n  ServerLimit 16\n</IfModule>\nDirectoryIndex index.html\n"
	tests := []struct {
		name    string
		updated string
		want    bool
	}{
		{"identical", base, false},
		{"directory index", strings.Replace(base, "index.html", "index.php", 1), false},
		{"listen", strings.Replace(base, ":80", ":8080", 1), true},
		{"mpm", strings.Replace(base, "mpm_event", "mpm_prefork", 1), true},
		{"server limit", strings.Replace(base, "ServerLimit 16", "ServerLimit 20", 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRestart([]byte(base), []byte(tt.updated)); got != tt.want {
				t.Errorf("needsRestart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnknownInstanceSuggestsName(t *testing.T) {
	h := newHarness(t, testState())
	_, err := h.r.Concurrency(context.Background(), "defualt")
	if !errors.Is(err, ErrUnknownInstance) || !strings.Contains(err.Error(), `did you mean "default"`) {
		t.Errorf("error = %v, want a suggestion of default", err)
	}
}
