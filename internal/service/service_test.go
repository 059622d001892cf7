package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/capacity"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/execx"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

// fakeInit keeps unit state in memory. Units listed in stuck ignore stop and
// start requests.
type fakeInit struct {
	mu     sync.Mutex
	active map[string]bool
	stuck  map[string]bool
	calls  []string
	pid    int
}

func newFakeInit() *fakeInit {
	return &fakeInit{active: map[string]bool{}, stuck: map[string]bool{}}
}

func (f *fakeInit) record(op, unit string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+unit)
}

func (f *fakeInit) Enable(_ context.Context, unit string) error  { f.record("enable", unit); return nil }
func (f *fakeInit) Disable(_ context.Context, unit string) error { f.record("disable", unit); return nil }

func (f *fakeInit) Start(_ context.Context, unit string) error {
	f.record("start", unit)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stuck[unit] {
		f.active[unit] = true
	}
	return nil
}

func (f *fakeInit) Stop(_ context.Context, unit string) error {
	f.record("stop", unit)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stuck[unit] {
		f.active[unit] = false
	}
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

func (f *fakeInit) MainPID(context.Context, string, string) (int, error) { return f.pid, nil }

func TestStopStartOutcomes(t *testing.T) {
	in := newFakeInit()
	c := &Controller{Init: in, Unit: "httpd@php.service", Startable: true, Log: logger.Nop()}
	ctx := context.Background()

	if out, err := c.Stop(ctx); err != nil || out != Already {
		t.Errorf("Stop() on inactive = %s, %v", out, err)
	}
	if out, err := c.Start(ctx); err != nil || out != Done {
		t.Errorf("Start() = %s, %v", out, err)
	}
	if out, err := c.Start(ctx); err != nil || out != Already {
		t.Errorf("Start() on active = %s, %v", out, err)
	}
	in.stuck["httpd@php.service"] = true
	if out, _ := c.Stop(ctx); out != Unknown {
		t.Errorf("Stop() on a stuck unit = %s, want unknown", out)
	}
}

func TestStartNotStartable(t *testing.T) {
	c := &Controller{Init: newFakeInit(), Unit: "httpd", Log: logger.Nop()}
	if _, err := c.Start(context.Background()); !errors.Is(err, ErrNotStartable) {
		t.Errorf("Start() error = %v, want ErrNotStartable", err)
	}
}

func TestRestartSleepsOnlyAfterRealStop(t *testing.T) {
	tests := []struct {
		name      string
		active    bool
		wantSleep int
	}{
		{"running unit", true, 1},
		{"stopped unit", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := newFakeInit()
			in.active["httpd.service"] = tt.active
			slept := 0
			c := &Controller{
				Init: in, Unit: "httpd.service", Startable: true, RestartDelay: 2 * time.Second,
				Sleep: func(time.Duration) { slept++ },
				Log:   logger.Nop(),
			}
			out, err := c.Restart(context.Background())
			if err != nil || out != Done {
				t.Fatalf("Restart() = %s, %v", out, err)
			}
			if slept != tt.wantSleep {
				t.Errorf("slept %d times, want %d", slept, tt.wantSleep)
			}
		})
	}
}

func TestNewControllerUnitNames(t *testing.T) {
	st := &domain.State{Instances: []domain.Instance{
		{Name: "", Binds: []domain.Bind{{IP: "*", Port: 80, Protocol: domain.HTTP}}},
		{Name: "b", Binds: []domain.Bind{{IP: "*", Port: 8009, Protocol: domain.AJP}}},
		{Name: "a", Binds: []domain.Bind{{IP: "*", Port: 8080, Protocol: domain.HTTP}}},
	}}
	legacy, _ := render.ForOS(domain.CentOS5)
	c := NewController(newFakeInit(), legacy, st, &st.Instances[1], 0, logger.Nop())
	if c.Unit != "httpd2" || c.IsStartable() {
		t.Errorf("legacy controller = %q startable=%v, want httpd2 not startable", c.Unit, c.IsStartable())
	}
	modern, _ := render.ForOS(domain.Rocky9)
	c = NewController(newFakeInit(), modern, st, &st.Instances[2], 0, logger.Nop())
	if c.Unit != "httpd@a.service" || !c.IsStartable() {
		t.Errorf("systemd controller = %q startable=%v", c.Unit, c.IsStartable())
	}
}

type countingTable struct {
	calls int32
	procs []Process
	gate  chan struct{}
}

func (c *countingTable) Processes() ([]Process, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.gate != nil {
		<-c.gate
	}
	return c.procs, nil
}

func TestProbeCountsChildrenOfMainPID(t *testing.T) {
	plan := capacity.Compute(200, 8, capacity.Caps{Event: true})
	table := &countingTable{procs: []Process{
		{PID: 100, PPID: 1, Executable: "/usr/sbin/httpd"},
		{PID: 101, PPID: 100, Executable: "/usr/sbin/httpd"},
		{PID: 102, PPID: 100, Executable: "/usr/sbin/httpd"},
		{PID: 103, PPID: 100, Executable: "/usr/bin/php-cgi"},
		{PID: 201, PPID: 200, Executable: "/usr/sbin/httpd"},
	}}
	in := newFakeInit()
	in.pid = 100
	p := &Prober{Table: table, Init: in}

	rep, err := p.Probe(context.Background(), Target{
		Instance: "default", Unit: "httpd.service", Executable: "/usr/sbin/httpd", PerProcess: plan.PerProcess(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Children != 2 || rep.Concurrency != 2*plan.PerProcess() {
		t.Errorf("Probe() = %+v", rep)
	}
}

func TestProbeNotRunning(t *testing.T) {
	table := &countingTable{}
	p := &Prober{Table: table, Init: newFakeInit()}
	rep, err := p.Probe(context.Background(), Target{Instance: "default", PerProcess: 1})
	if err != nil || rep.Concurrency != 0 || table.calls != 0 {
		t.Errorf("Probe() = %+v, %v, table read %d times", rep, err, table.calls)
	}
}

func TestProbeCoalescesConcurrentCalls(t *testing.T) {
	table := &countingTable{gate: make(chan struct{})}
	in := newFakeInit()
	in.pid = 100
	p := &Prober{Table: table, Init: in}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Probe(context.Background(), Target{Instance: "default", PerProcess: 1}); err != nil {
				t.Error(err)
			}
		}()
	}
	// Let every caller join the in-flight probe before releasing it.
	for atomic.LoadInt32(&table.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(table.gate)
	wg.Wait()
	if n := atomic.LoadInt32(&table.calls); n != 1 {
		t.Errorf("process table read %d times, want 1", n)
	}
}

func TestSiteControlReasons(t *testing.T) {
	in := newFakeInit()
	sc := &SiteControl{Init: in, Hostname: "web1", Timeout: time.Second, Log: logger.Nop()}
	ctx := context.Background()

	tests := []struct {
		name string
		site domain.Site
		want string
	}{
		{"wrong host", domain.Site{Name: "a", Host: "web2", Tomcat: &domain.Tomcat{Unit: "tomcat@a"}}, ReasonWrongHost},
		{"no daemon", domain.Site{Name: "b"}, ReasonNotStartable},
		{"disabled", domain.Site{Name: "c", Disabled: true, Tomcat: &domain.Tomcat{Unit: "tomcat@c"}}, ReasonNotStartable},
		{"starts", domain.Site{Name: "d", Host: "web1", Tomcat: &domain.Tomcat{Unit: "tomcat@d"}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sc.Start(ctx, &tt.site)
			if err != nil || got != tt.want {
				t.Errorf("Start() = %q, %v, want %q", got, err, tt.want)
			}
		})
	}

	in.stuck["tomcat@e"] = true
	in.active["tomcat@e"] = true
	site := &domain.Site{Name: "e", Tomcat: &domain.Tomcat{Unit: "tomcat@e"}}
	if got, _ := sc.Stop(ctx, site); got != ReasonUnknownStatus {
		t.Errorf("Stop() = %q, want %q", got, ReasonUnknownStatus)
	}
	if err := sc.StopSiteDaemons(ctx, site); err == nil {
		t.Error("StopSiteDaemons() should fail while the daemon keeps running")
	}
}

func TestSystemdIsActive(t *testing.T) {
	rec := execx.NewRecorder()
	rec.Outputs["systemctl is-active httpd.service"] = "inactive\n"
	rec.Errors["systemctl is-active httpd.service"] = errors.New("exit status 3")
	active, err := Systemd{Run: rec}.IsActive(context.Background(), "httpd.service")
	if err != nil || active {
		t.Errorf("IsActive() = %v, %v, want false, nil", active, err)
	}
}

func TestSysVMainPIDFromPidFile(t *testing.T) {
	s := SysV{Run: execx.NewRecorder(), ReadFile: func(string) ([]byte, error) { return []byte("4242\n"), nil }}
	pid, err := s.MainPID(context.Background(), "httpd", "/var/run/httpd/default.pid")
	if err != nil || pid != 4242 {
		t.Errorf("MainPID() = %d, %v", pid, err)
	}
}

func TestDetectInit(t *testing.T) {
	dir := t.TempDir()
	if _, ok := DetectInit(execx.NewRecorder(), dir).(Systemd); !ok {
		t.Error("existing run dir should select systemd")
	}
	if _, ok := DetectInit(execx.NewRecorder(), dir+"/missing").(SysV); !ok {
		t.Error("missing run dir should select sysv")
	}
}
