package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/mw"
)

// Scope decides which guards RegisterAll puts in front of a registrar.
type Scope int

const (
	// Open routes answer any client that reaches the listener.
	Open Scope = iota
	// Restricted routes sit behind the CIDR allow-list.
	Restricted
	// Mutating routes take the pass lock: allow-list plus per-client rate limit.
	Mutating
)

type Registrar func(r chi.Router, d deps.Deps)

type entry struct {
	scope Scope
	reg   Registrar
}

var registry []entry

// Register adds a registrar under scope. Called from init.
func Register(scope Scope, reg Registrar) {
	registry = append(registry, entry{scope: scope, reg: reg})
}

// RegisterAll mounts every registrar. Called once from server.New(); the
// guards are built here so every mutating route shares one set of buckets.
func RegisterAll(r chi.Router, d deps.Deps) {
	allow := mw.AllowOnlyCIDRS(d.AllowedCIDRS, d.TrustProxy, d.Logger)
	limit := mw.RateLimit(mw.RateLimitConfig{
		Burst:             d.AdminRateLimit,
		RefillPerIPPerMin: d.AdminRateLimit,
		MaxEntries:        1024,
		TrustProxy:        d.TrustProxy,
		Log:               d.Logger,
	})

	for _, e := range registry {
		e.reg(r.With(guards(e.scope, allow, limit)...), d)
	}
}

func guards(scope Scope, allow, limit func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	switch scope {
	case Restricted:
		return []func(http.Handler) http.Handler{allow}
	case Mutating:
		return []func(http.Handler) http.Handler{allow, limit}
	}
	return nil
}
