package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/reconciler"
)

func Concurrency(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "instance")
		rep, err := d.Admin.Concurrency(r.Context(), name)
		switch {
		case errors.Is(err, reconciler.ErrUnknownInstance):
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		case err != nil:
			d.Logger.Warn("concurrency probe failed",
				logger.String("instance", name), logger.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			writeJSON(w, http.StatusOK, rep)
		}
	}
}
