package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(reconcileRunsTotal, reconcileRepairsTotal, provisioningOrphans) }

var (
	reconcileRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Reconciliation passes, labeled by status.",
		},
		[]string{"status"}, // 'ok', 'failed'
	)

	reconcileRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_repairs_total",
			Help: "Paid payments that received their missing activation code during reconciliation.",
		},
	)

	provisioningOrphans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "provisioning_orphans",
			Help: "Activated codes without a card, as seen by the last reconciliation pass.",
		},
	)
)

func IncReconcileRun(status string) {
	reconcileRunsTotal.WithLabelValues(norm(status)).Inc()
}

func AddReconcileRepairs(n int) {
	reconcileRepairsTotal.Add(float64(n))
}

func SetProvisioningOrphans(n int) {
	provisioningOrphans.Set(float64(n))
}
