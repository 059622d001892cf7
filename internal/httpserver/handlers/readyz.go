package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/httpdsync/internal/httpserver/deps"
	"github.com/MrSnakeDoc/httpdsync/internal/logger"
)

type readyzResponse struct {
	Ready bool   `json:"ready"`
	Store string `json:"store"`
	Error string `json:"error,omitempty"`
}

// Readyz reports ready once the shared store answers. Without a store the
// agent still converges, only stashes and reports stay in memory.
func Readyz(d deps.Deps) http.HandlerFunc {
	timeout := d.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, readyzResponse{Ready: true, Store: "memory"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := d.Store.Ping(ctx); err != nil {
			d.Logger.Warn("readiness check failed", logger.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, readyzResponse{Store: "redis", Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, readyzResponse{Ready: true, Store: "redis"})
	}
}
