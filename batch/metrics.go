package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_commit_total",
		Help: "Save outcomes by error code, ok for success.",
	}, []string{"outcome"})

	commitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fab_commit_seconds",
		Help:    "Wall time of Save calls, successful or not.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	lockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_lock_acquire_total",
		Help: "Lease acquisition attempts by mode and outcome.",
	}, []string{"mode", "outcome"})

	checkFlowPasses = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fab_checkflow_passes",
		Help:    "Check flow passes needed per save before the rules settled.",
		Buckets: prometheus.LinearBuckets(0, 1, 12),
	})

	actionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_action_total",
		Help: "Deferred action deliveries by kind and outcome.",
	}, []string{"kind", "outcome"})

	sweepTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fab_sweep_total",
		Help: "Expired commit sessions settled by the sweep.",
	}, []string{"outcome"})
)
