package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eugener/stowaway/internal/telemetry"
)

// statusLabels holds the status label for every valid code so the hot path
// does not call strconv.Itoa.
var statusLabels [1000]string

func init() {
	for code := range statusLabels {
		statusLabels[code] = strconv.Itoa(code)
	}
}

func statusLabel(code int) string {
	if code < 0 || code >= len(statusLabels) {
		return strconv.Itoa(code)
	}
	return statusLabels[code]
}

// metricsMiddleware records request count, duration and in-flight requests.
func metricsMiddleware(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.ActiveRequests.Inc()
			// Deferred so aborted requests are released too.
			defer m.ActiveRequests.Dec()

			start := time.Now()
			tw := acquireTracker(w)
			next.ServeHTTP(tw, r)
			status := tw.status
			releaseTracker(tw)

			pattern := routePattern(r)
			m.RequestsTotal.WithLabelValues(r.Method, pattern, statusLabel(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}

// routePattern returns the chi route pattern to keep label cardinality
// bounded. Every intercepted request reports the catch-all pattern.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
