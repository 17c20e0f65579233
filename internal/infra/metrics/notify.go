package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(notificationsTotal, alertsTotal, rateLimitedTotal) }

var (
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Customer notifications, labeled by kind and result (sent/failed/dropped).",
		},
		[]string{"kind", "result"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_alerts_total",
			Help: "Operator alerts, labeled by severity and result.",
		},
		[]string{"severity", "result"},
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the rate limiter, labeled by scope.",
		},
		[]string{"scope"},
	)
)

func IncNotification(kind, result string) {
	notificationsTotal.WithLabelValues(norm(kind), norm(result)).Inc()
}

func IncAlert(severity, result string) {
	alertsTotal.WithLabelValues(norm(severity), norm(result)).Inc()
}

func IncRateLimited(scope string) {
	rateLimitedTotal.WithLabelValues(norm(scope)).Inc()
}
