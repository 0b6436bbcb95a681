package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	cycleRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Total billing cycle runs.",
	})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of billing cycle runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	chargeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "charges_total",
		Help:      "Total charge attempts by outcome.",
	}, []string{"outcome"})

	chargeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "charge_duration_seconds",
		Help:      "Duration of individual gateway charge calls in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	suspensions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "suspensions_total",
		Help:      "Subscriptions suspended after reaching the failure threshold.",
	})

	expiredSubscriptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "expired_total",
		Help:      "Cancelled subscriptions transitioned to expired by the sweep.",
	})

	integrityErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "billing",
		Subsystem: "scheduler",
		Name:      "integrity_errors_total",
		Help:      "Due subscriptions that could not be charged because the user has no usable billing key.",
	})
)

func init() {
	prometheus.MustRegister(
		cycleRuns,
		cycleDuration,
		chargeAttempts,
		chargeDuration,
		suspensions,
		expiredSubscriptions,
		integrityErrors,
	)
}
