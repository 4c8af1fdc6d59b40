package web

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cyhy_db_api_requests_total",
		Help: "API requests handled, by method.",
	},
	[]string{"method"},
)

var controlWaitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cyhy_db_control_waits_total",
		Help: "Control completion waits, by outcome.",
	},
	[]string{"outcome"},
)

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsTotal.WithLabelValues(r.Method).Inc()
		next.ServeHTTP(w, r)
	})
}
