package mw

import (
	"net/http"

	"github.com/MrSnakeDoc/httpdsync/internal/logger"
	"github.com/MrSnakeDoc/httpdsync/internal/metrics"
	"github.com/MrSnakeDoc/httpdsync/internal/utils"
)

// AllowOnlyCIDRS keeps the admin surface to the listed IPs/CIDRs. An empty
// list lets every client through; the listener is loopback by default.
// trustProxy makes X-Forwarded-For authoritative for the client address.
func AllowOnlyCIDRS(allowed []string, trustProxy bool, log logger.Logger) func(http.Handler) http.Handler {
	m := utils.NewIPMatcher(allowed)
	if m.IsEmpty() {
		log.Debug("admin allow-list empty, every client accepted")
		return func(next http.Handler) http.Handler { return next }
	}
	log.Debug("admin allow-list loaded",
		logger.Strings("cidrs", allowed), logger.Bool("trust_proxy", trustProxy))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := utils.ClientIP(r, trustProxy)
			if !m.Allow(ip) {
				metrics.AdminRejected.WithLabelValues("cidr").Inc()
				log.Warn("admin request refused, client not in allow-list",
					logger.String("client", ip),
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path))
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"client not allowed"}` + "\n"))
}
