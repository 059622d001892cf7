package domain

import (
	"errors"
	"testing"
)

func testState() *State {
	return &State{
		Host: Host{Name: "web1.example.com", OS: CentOS7, CPUs: 8},
		Instances: []Instance{
			{
				MaxConcurrency: 200, User: "apache", Group: "apache", Enabled: true,
				Binds: []Bind{
					{IP: "192.0.2.10", Port: 80, Protocol: HTTP},
					{IP: "192.0.2.10", Port: 443, Protocol: HTTPS},
				},
			},
			{
				Name: "php", MaxConcurrency: 50, User: "apache", Group: "apache", Enabled: true,
				Binds: []Bind{{IP: "192.0.2.11", Port: 80, Protocol: HTTP}},
			},
		},
		Sites: []Site{
			{
				Name: "zeta", User: "zeta", Group: "zeta",
				WebApps: []WebApp{{Path: ""}},
				VirtualHosts: []VirtualHost{
					{Name: "www", Primary: "zeta.example", Binds: []VirtualHostBind{{Bind: "192.0.2.10:80"}}},
				},
			},
			{
				Name: "alpha", User: "alpha", Group: "alpha",
				WebApps: []WebApp{{Path: ""}},
				VirtualHosts: []VirtualHost{
					{Name: "www", Primary: "alpha.example", Binds: []VirtualHostBind{{Bind: "192.0.2.10:80"}}},
					{Name: "secure", Primary: "alpha.example", Binds: []VirtualHostBind{{Bind: "192.0.2.10:443"}}},
				},
			},
			{
				Name: "first", User: "first", Group: "first", ListFirst: true,
				WebApps: []WebApp{{Path: ""}},
				VirtualHosts: []VirtualHost{
					{Name: "www", Primary: "first.example", Binds: []VirtualHostBind{{Bind: "192.0.2.10:80"}}},
				},
			},
			{
				Name: "other", User: "other", Group: "other",
				WebApps: []WebApp{{Path: ""}},
				VirtualHosts: []VirtualHost{
					{Name: "www", Primary: "other.example", Binds: []VirtualHostBind{{Bind: "192.0.2.11:80"}}},
				},
			},
		},
	}
}

func TestIndexValidState(t *testing.T) {
	s := testState()
	if err := s.Index(); err != nil {
		t.Fatalf("Index() error = %v", err)
	}
	b, inst, ok := s.Bind("192.0.2.10:443")
	if !ok || b.Protocol != HTTPS || inst.Name != "" {
		t.Errorf("Bind() = %+v, %v, %v", b, inst, ok)
	}
}

func TestIndexRejectsMissingRootWebApp(t *testing.T) {
	s := testState()
	s.Sites[1].WebApps = []WebApp{{Path: "/app"}}

	err := s.Index()
	if !errors.Is(err, ErrNoRootWebApp) {
		t.Fatalf("Index() error = %v, want ErrNoRootWebApp", err)
	}
	if !IsInvariant(err) {
		t.Error("missing root web app should be an invariant violation")
	}
}

func TestIndexRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"../etc", "a/b", "", ".hidden", "x y"} {
		s := testState()
		s.Sites[0].Name = name
		if err := s.Index(); !errors.Is(err, ErrUnsafeName) {
			t.Errorf("site name %q: error = %v, want ErrUnsafeName", name, err)
		}
	}
}

func TestIndexRejectsReservedNames(t *testing.T) {
	tests := []struct {
		name  string
		apply func(s *State)
	}{
		{"instance named default", func(s *State) { s.Instances[1].Name = "default" }},
		{"site named disabled", func(s *State) { s.Sites[0].Name = "disabled" }},
		{"site named html", func(s *State) { s.Sites[0].Name = "html" }},
		{"site named cgi-bin", func(s *State) { s.Sites[0].Name = "cgi-bin" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testState()
			tt.apply(s)
			err := s.Index()
			if !errors.Is(err, ErrReservedName) {
				t.Fatalf("Index() error = %v, want ErrReservedName", err)
			}
			if !IsInvariant(err) {
				t.Error("reserved name should be an invariant violation")
			}
		})
	}
}

func TestIndexRejectsUnknownBind(t *testing.T) {
	s := testState()
	s.Sites[0].VirtualHosts[0].Binds = []VirtualHostBind{{Bind: "203.0.113.1:80"}}
	if err := s.Index(); !errors.Is(err, ErrUnknownBind) {
		t.Fatalf("Index() error = %v, want ErrUnknownBind", err)
	}
}

func TestIndexRejectsSharedLogAcrossVirtualHosts(t *testing.T) {
	s := testState()
	s.Sites[1].VirtualHosts[0].AccessLog = "/logs/alpha/access_log"
	s.Sites[1].VirtualHosts[1].AccessLog = "/logs/alpha/access_log"
	if err := s.Index(); err == nil {
		t.Fatal("Index() should reject a log path shared by two virtual hosts")
	}

	s = testState()
	s.Sites[1].VirtualHosts[0].AccessLog = "/logs/alpha/combined_log"
	s.Sites[1].VirtualHosts[0].ErrorLog = "/logs/alpha/combined_log"
	if err := s.Index(); err != nil {
		t.Fatalf("access and error log of one virtual host may be shared: %v", err)
	}
}

func TestIndexRejectsDuplicateBindOwner(t *testing.T) {
	s := testState()
	s.Instances[1].Binds = append(s.Instances[1].Binds, Bind{IP: "192.0.2.10", Port: 80, Protocol: HTTP})
	if err := s.Index(); err == nil {
		t.Fatal("Index() should reject a bind owned by two instances")
	}
}

func TestSitesOnOrdersListFirst(t *testing.T) {
	s := testState()
	if err := s.Index(); err != nil {
		t.Fatal(err)
	}
	sites := s.SitesOn(&s.Instances[0])
	var got []string
	for _, site := range sites {
		got = append(got, site.Name)
	}
	want := []string{"first", "alpha", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("SitesOn() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SitesOn()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	placements := s.PlacementsOn(&s.Instances[0])
	if len(placements) != 4 {
		t.Errorf("PlacementsOn() = %d placements, want 4", len(placements))
	}
}

func TestEffectiveDisabledSite(t *testing.T) {
	site := Site{
		Name: "shop", User: "shop", Group: "shop",
		Disabled: true, CGI: true, SSI: true, AnonymousFTP: true,
		WebApps: []WebApp{{Path: "", CGI: true}},
	}
	eff := site.Effective(Identity{User: "apache", Group: "apache"})

	if eff.User != "apache" || eff.Group != "apache" {
		t.Errorf("disabled site identity = %s:%s, want apache:apache", eff.User, eff.Group)
	}
	if eff.CGI || eff.AnonymousFTP || eff.SSI || eff.UsesCGI() {
		t.Error("disabled site must not keep CGI, SSI or anonymous FTP")
	}
	if !site.WebApps[0].CGI {
		t.Error("Effective() must not mutate the stored site")
	}

	site.Disabled = false
	if got := site.Effective(Identity{User: "apache", Group: "apache"}); got.User != "shop" || !got.CGI {
		t.Error("enabled site should be returned unchanged")
	}
}

func TestTristate(t *testing.T) {
	tests := []struct {
		in       string
		want     Tristate
		inferred bool
		resolved bool
	}{
		{"on", ForceOn, false, true},
		{"off", ForceOff, true, false},
		{"", Infer, true, true},
		{"infer", Infer, false, false},
	}
	for _, tt := range tests {
		got, err := ParseTristate(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseTristate(%q) = %v, %v", tt.in, got, err)
			continue
		}
		if r := got.Resolve(tt.inferred); r != tt.resolved {
			t.Errorf("%v.Resolve(%v) = %v, want %v", got, tt.inferred, r, tt.resolved)
		}
	}
	if _, err := ParseTristate("sometimes"); err == nil {
		t.Error("ParseTristate(sometimes) should fail")
	}
}
