package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/handlers"
)

func init() {
	Register(Open, registerHealth)
	Register(Restricted, registerProbes)
}

func registerHealth(r chi.Router, d deps.Deps) {
	r.Get("/healthz", handlers.Healthz(d))
}

func registerProbes(r chi.Router, d deps.Deps) {
	r.Get("/readyz", handlers.Readyz(d))
	r.Method("GET", "/metrics", handlers.Metrics())
}
