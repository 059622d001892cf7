package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/handlers"
)

func init() {
	Register(Restricted, registerQueries)
	Register(Mutating, registerMutations)
}

func registerQueries(r chi.Router, d deps.Deps) {
	r.Get("/instances/{instance}/concurrency", handlers.Concurrency(d))
}

func registerMutations(r chi.Router, d deps.Deps) {
	r.Post("/reconcile", handlers.Reconcile(d))
	r.Post("/sites/{site}/start", handlers.StartSite(d))
	r.Post("/sites/{site}/stop", handlers.StopSite(d))
}
