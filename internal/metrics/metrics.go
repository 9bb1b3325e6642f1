// Package metrics defines the Prometheus instruments shared by the
// orchestration components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_admission_granted_total",
		Help: "Total number of admission tokens granted",
	}, []string{"key", "source"})

	AdmissionDenied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_admission_denied_total",
		Help: "Total number of admission attempts that timed out without a token",
	}, []string{"key"})

	AdmissionFailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_admission_fail_open_total",
		Help: "Total number of minimal grants issued because the shared store was unavailable",
	}, []string{"key"})

	BreakerCeiling = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_breaker_rps_ceiling",
		Help: "Current adaptive global requests-per-second ceiling",
	})

	BatchCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_batch_commits_total",
		Help: "Total number of write batcher chunk commits",
	}, []string{"status"})

	BatchRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_batch_requeued_total",
		Help: "Total number of payloads re-enqueued after transient storage contention",
	})

	BatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_batch_queue_depth",
		Help: "Current number of payloads waiting in the write batcher",
	})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_task_retries_total",
		Help: "Total number of task retry countdowns issued",
	}, []string{"queue"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_dead_letters_total",
		Help: "Total number of permanently failed tasks recorded for inspection",
	}, []string{"queue"})
)
