package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(adminRequestsTotal) }

var adminRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "admin_requests_total",
		Help: "Tracks attempts to use the admin API.",
	},
	[]string{"status"}, // 'authorized', 'unauthorized', 'disabled'
)

func IncAdminRequest(status string) {
	adminRequestsTotal.WithLabelValues(norm(status)).Inc()
}
