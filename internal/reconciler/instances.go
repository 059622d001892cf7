package reconciler

import (
	"strings"

	"github.com/MrSnakeDoc/httpdsync/internal/capacity"
	"github.com/MrSnakeDoc/httpdsync/internal/domain"
	"github.com/MrSnakeDoc/httpdsync/internal/inference"
	"github.com/MrSnakeDoc/httpdsync/internal/render"
)

// instanceView is an instance with everything rendering needs about it.
type instanceView struct {
	inst *domain.Instance
	// sites and placements hold effective site views, in include order.
	sites      []*domain.Site
	placements []domain.Placement
	features   inference.Features
	plan       capacity.Plan
}

// prepare infers features and plans capacity for every instance.
func prepare(st *domain.State, s render.Strategy, fallback domain.Identity, cpus int) []*instanceView {
	effective := make(map[string]*domain.Site, len(st.Sites))
	for i := range st.Sites {
		e := st.Sites[i].Effective(fallback)
		effective[e.Name] = &e
	}

	views := make([]*instanceView, 0, len(st.Instances))
	for i := range st.Instances {
		inst := &st.Instances[i]
		v := &instanceView{inst: inst}
		for _, site := range st.SitesOn(inst) {
			v.sites = append(v.sites, effective[site.Name])
		}

		in := inference.Input{Instance: inst, Brotli: s.Brotli()}
		for _, p := range st.PlacementsOn(inst) {
			site := effective[p.Site.Name]
			v.placements = append(v.placements, domain.Placement{Site: site, VirtualHost: p.VirtualHost})
			in.Placements = append(in.Placements, inference.Placement{
				Site:        site,
				VirtualHost: p.VirtualHost,
				Binds:       st.BindsOf(p.VirtualHost),
			})
		}
		v.features = inference.Infer(in)

		caps := s.Caps()
		caps.EmbeddedInterpreter = v.features.On(domain.ModPHP)
		v.plan = capacity.Compute(inst.MaxConcurrency, cpus, caps)
		views = append(views, v)
	}
	return views
}

func featureMap(views []*instanceView) map[string]inference.Features {
	out := make(map[string]inference.Features, len(views))
	for _, v := range views {
		out[v.inst.DisplayName()] = v.features
	}
	return out
}

func findView(views []*instanceView, name string) (*instanceView, bool) {
	for _, v := range views {
		if v.inst.DisplayName() == name {
			return v, true
		}
	}
	return nil, false
}

// restartKeys are the main config directives a graceful reload cannot apply.
var restartKeys = []string{
	"Listen ",
	"<IfModule mpm_",
	"LoadModule mpm_",
	"ServerLimit ",
	"ThreadLimit ",
	"User ",
	"Group ",
}

// needsRestart reports whether two main configs differ in a directive that
// only takes effect on a full restart.
func needsRestart(old, updated []byte) bool {
	return restartLines(old) != restartLines(updated)
}

func restartLines(conf []byte) string {
	var b strings.Builder
	for _, line := range strings.Split(string(conf), "\n") {
		line = strings.TrimSpace(line)
		for _, k := range restartKeys {
			if strings.HasPrefix(line, k) {
				b.WriteString(line)
				b.WriteByte('\n')
				break
			}
		}
	}
	return b.String()
}
