package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

type reconcileResponse struct {
	Queued bool `json:"queued"`
}

// Reconcile asks for a pass. A request arriving while a pass is already
// pending folds into it, which is not an error.
func Reconcile(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queued := d.Admin.Trigger("admin")
		if queued {
			d.Logger.Info("pass triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
		} else {
			d.Logger.Debug("pass already pending",
				logger.String("remote_ip", r.RemoteAddr))
		}
		writeJSON(w, http.StatusAccepted, reconcileResponse{Queued: queued})
	}
}
