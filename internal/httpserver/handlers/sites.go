package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

type okResponse struct {
	OK bool `json:"ok"`
}

type reasonResponse struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type siteOp func(ctx context.Context, site string) (string, error)

func StartSite(d deps.Deps) http.HandlerFunc {
	return siteHandler(d, "start", d.Admin.StartSite)
}

func StopSite(d deps.Deps) http.HandlerFunc {
	return siteHandler(d, "stop", d.Admin.StopSite)
}

// siteHandler maps a site operation onto 200 {"ok":true}, 409 with the
// rejection reason, or 500 when the outcome is unknown without a reason.
func siteHandler(d deps.Deps, op string, fn siteOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		site := chi.URLParam(r, "site")
		reason, err := fn(r.Context(), site)
		switch {
		case reason != "":
			writeJSON(w, http.StatusConflict, reasonResponse{Reason: reason})
		case err != nil:
			d.Logger.Error("site operation failed",
				logger.String("site", site), logger.String("op", op), logger.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		default:
			d.Logger.Info("site operation done",
				logger.String("site", site), logger.String("op", op))
			writeJSON(w, http.StatusOK, okResponse{OK: true})
		}
	}
}
