package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(codesIssuedTotal, codesRedeemedTotal, codeCollisionsTotal, redeemDuration)
}

var (
	codesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_codes_issued_total",
			Help: "Activation codes created, labeled by source (batch/manual/payment).",
		},
		[]string{"source"},
	)

	codesRedeemedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activation_codes_redeemed_total",
			Help: "Redemption attempts, labeled by result (ok or error kind).",
		},
		[]string{"result"},
	)

	codeCollisionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activation_code_collisions_total",
			Help: "Generated codes discarded because they already existed.",
		},
	)

	redeemDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "activation_code_redeem_duration_seconds",
			Help:    "Latency of the redemption transaction.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func AddCodesIssued(source string, n int) {
	codesIssuedTotal.WithLabelValues(norm(source)).Add(float64(n))
}

func IncRedeem(result string, took time.Duration) {
	codesRedeemedTotal.WithLabelValues(norm(result)).Inc()
	redeemDuration.Observe(took.Seconds())
}

func IncCodeCollision() {
	codeCollisionsTotal.Inc()
}
