// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus collectors for the check-in core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkind_reservations_total",
		Help: "Capacity reservation attempts by outcome",
	}, []string{"outcome"}) // outcome=success|capacity_exceeded|error

	releasesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkind_releases_total",
		Help: "Total number of compensating capacity releases",
	})

	checkInsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkind_checkins_total",
		Help: "Check-in attempts by result",
	}, []string{"result"}) // result=accepted|declined|duplicate|capacity|error

	lifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkind_lifecycle_transitions_total",
		Help: "Session lifecycle transitions by target state and trigger",
	}, []string{"to", "trigger"}) // trigger=auto|manual

	schedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkind_scheduler_runs_total",
		Help: "Scheduler job runs by job name and outcome",
	}, []string{"job", "outcome"}) // outcome=ok|skipped|error

	reconcileKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkind_reconcile_keys_total",
		Help: "Reconciled cache counter keys by outcome",
	}, []string{"outcome"}) // outcome=synced|error

	capacityCacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkind_capacity_cache_reads_total",
		Help: "Capacity status reads by source",
	}, []string{"source"}) // source=cache|store
)

func ReservationOutcome(outcome string) { reservationsTotal.WithLabelValues(outcome).Inc() }

func Release() { releasesTotal.Inc() }

func CheckInResult(result string) { checkInsTotal.WithLabelValues(result).Inc() }

func LifecycleTransition(to, trigger string) {
	lifecycleTransitionsTotal.WithLabelValues(to, trigger).Inc()
}

func SchedulerRun(job, outcome string) { schedulerRunsTotal.WithLabelValues(job, outcome).Inc() }

func ReconcileKey(outcome string) { reconcileKeysTotal.WithLabelValues(outcome).Inc() }

func CapacityRead(source string) { capacityCacheReads.WithLabelValues(source).Inc() }
