package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(webhookEventsTotal) }

var webhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Processor deliveries, labeled by provider and outcome.",
	},
	[]string{"provider", "outcome"},
)

func IncWebhookEvent(provider, outcome string) {
	webhookEventsTotal.WithLabelValues(norm(provider), norm(outcome)).Inc()
}
