// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsCreatedTotal counts accepted job creations.
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_created_total",
			Help: "Total number of jobs created.",
		},
		[]string{"service_type"},
	)

	// JobsDispatchedTotal counts successful claims.
	JobsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_dispatched_total",
			Help: "Total number of jobs claimed for a host.",
		},
		[]string{"service_type", "host"},
	)

	// ClaimConflictsTotal counts claims lost to a concurrent writer.
	ClaimConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_claim_conflicts_total",
			Help: "Total number of claims rejected by the version check.",
		},
		[]string{"service_type"},
	)

	// NoCapacityTotal counts jobs left queued because no eligible host had room.
	NoCapacityTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_no_capacity_total",
			Help: "Total number of queued jobs skipped for lack of host capacity.",
		},
		[]string{"service_type"},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_cycle_duration_seconds",
			Help:    "Duration of dispatcher cycles.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// JobsCompletedTotal counts terminal transitions (FINISHED, FAILED, ...).
	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status.",
		},
		[]string{"service_type", "status"},
	)

	ServiceStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_service_state_changes_total",
			Help: "Total number of service registration state changes.",
		},
		[]string{"service_type", "state"},
	)

	// IsLeader marks whether this node currently leads. 1 if leader, 0 otherwise.
	IsLeader = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_is_leader",
			Help: "Is this node currently the leader. 1 if leader, 0 otherwise.",
		},
		[]string{"node_id"},
	)

	// WorkerExecutionsTotal counts job executions on the reference worker.
	WorkerExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_worker_executions_total",
			Help: "Total number of job executions run by the worker.",
		},
		[]string{"operation", "status"},
	)
)
