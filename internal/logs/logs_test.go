package logs

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/MrSnakeDoc/httpdsync/internal/accounts"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/fsapply"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

func newReconciler(t *testing.T) *Reconciler {
	t.Helper()
	uid, gid := os.Getuid(), os.Getgid()
	s, err := render.ForOS(domain.CentOS7)
	if err != nil {
		t.Fatal(err)
	}
	return &Reconciler{
		Applier: fsapply.New(t.TempDir(), logger.Nop()),
		Builder: &render.Builder{
			Strategy: s, WWWDir: "/var/www", LogDir: "/var/log/httpd-sites",
			Fallback: domain.Identity{User: "apache", Group: "apache"},
		},
		Accounts: &accounts.Static{
			Users:  map[string]int{"root": uid},
			Groups: map[string]int{"root": gid, "shop": gid, "apache": gid},
		},
		Log: logger.Nop(),
	}
}

func logState(t *testing.T) *domain.State {
	t.Helper()
	st := &domain.State{
		Instances: []domain.Instance{
			{Name: "", Binds: []domain.Bind{{IP: "192.0.2.1", Port: 80, Protocol: domain.HTTP}}},
			{Name: "php", Binds: []domain.Bind{{IP: "192.0.2.2", Port: 80, Protocol: domain.HTTP}}},
		},
		Sites: []domain.Site{{
			Name: "shop", User: "shop", Group: "shop",
			WebApps: []domain.WebApp{{Path: ""}},
			VirtualHosts: []domain.VirtualHost{
				{Name: "www", Primary: "shop.example", Binds: []domain.VirtualHostBind{{Bind: "192.0.2.1:80"}}},
				{
					Name: "api", Primary: "api.shop.example", Binds: []domain.VirtualHostBind{{Bind: "192.0.2.2:80"}},
					AccessLog: "/var/log/httpd-sites/shop/api_log", ErrorLog: "/var/log/httpd-sites/shop/api_log",
				},
			},
		}},
	}
	if err := st.Index(); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestReconcileCreatesLogsAndFlagsReload(t *testing.T) {
	r := newReconciler(t)
	st := logState(t)

	res, err := r.Reconcile(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(res.Reload, ",") != "default,php" {
		t.Errorf("Reload = %v, want [default php]", res.Reload)
	}
	for _, p := range []string{
		"/var/log/httpd-sites/shop/www_access_log",
		"/var/log/httpd-sites/shop/www_error_log",
		"/var/log/httpd-sites/shop/api_log",
		"/var/log/httpd-sites/_instances/php",
	} {
		if !r.Applier.Exists(p) {
			t.Errorf("%s not created", p)
		}
	}
	info, _ := os.Stat(r.Applier.Path("/var/log/httpd-sites/shop/www_access_log"))
	if info.Mode().Perm() != 0o640 {
		t.Errorf("log mode = %v, want 0640", info.Mode().Perm())
	}

	rot, err := r.Applier.ReadFile(render.LogRotateDir + "/shop")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/bin/systemctl reload httpd.service", "/bin/systemctl reload httpd@php.service", "api_log"} {
		if !strings.Contains(string(rot), want) {
			t.Errorf("rotation descriptor missing %q:\n%s", want, rot)
		}
	}
	if strings.Count(string(rot), "api_log") != 1 {
		t.Error("shared access and error log listed twice")
	}
}

func TestReconcileKeepsExistingContent(t *testing.T) {
	r := newReconciler(t)
	st := logState(t)
	if _, err := r.Reconcile(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	p := r.Applier.Path("/var/log/httpd-sites/shop/www_access_log")
	if err := os.WriteFile(p, []byte("GET / 200\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	res, err := r.Reconcile(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reload) != 0 {
		t.Errorf("Reload = %v, want none", res.Reload)
	}
	got, _ := os.ReadFile(p)
	if string(got) != "GET / 200\n" {
		t.Errorf("log content replaced: %q", got)
	}
	info, _ := os.Stat(p)
	if info.Mode().Perm() != 0o640 {
		t.Errorf("mode = %v, want 0640 restored", info.Mode().Perm())
	}
}

func TestReconcileRemovesStaleDescriptors(t *testing.T) {
	r := newReconciler(t)
	if _, err := r.Applier.Install(render.LogRotateDir+"/gone", []byte("x"), 0o644, fsapply.Keep, fsapply.Keep); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reconcile(context.Background(), logState(t)); err != nil {
		t.Fatal(err)
	}
	d := r.Applier.Deletes()
	if len(d) != 1 || d[0] != render.LogRotateDir+"/gone" {
		t.Errorf("Deletes() = %v", d)
	}
}
