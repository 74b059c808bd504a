// Package metrics registers the Prometheus collectors shared by the finfeed components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scheduler outcome labels.
const (
	OutcomeFetched = "fetched"
	OutcomeShared  = "shared"
	OutcomeCached  = "cached"
	OutcomeFailed  = "failed"
)

// Mutation outcome labels.
const (
	OutcomeConfirmed  = "confirmed"
	OutcomeRolledBack = "rolled_back"
	OutcomeDuplicate  = "duplicate"
)

var (
	// SchedulerRequests counts refresh requests by how they were served.
	SchedulerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finfeed_scheduler_requests_total",
		Help: "Refresh requests by outcome (fetched, shared, cached, failed)",
	}, []string{"outcome"})

	// PageFetchDuration observes remote page fetch latency.
	PageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finfeed_page_fetch_duration_seconds",
		Help:    "Duration of remote collection page fetches",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"result"})

	// PagesDiscarded counts pages dropped because their generation was superseded.
	PagesDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finfeed_pages_discarded_total",
		Help: "Pages discarded because the collection was reset while they were in flight",
	})

	// Mutations counts submitted mutations by final outcome.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finfeed_mutations_total",
		Help: "Optimistic mutations by outcome",
	}, []string{"name", "outcome"})

	// PendingMutations tracks mutations awaiting the remote service.
	PendingMutations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "finfeed_pending_mutations",
		Help: "Current number of pending optimistic mutations",
	})

	// FetchRetries counts retried remote fetch attempts.
	FetchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finfeed_fetch_retries_total",
		Help: "Retried remote fetch attempts by operation",
	}, []string{"operation"})
)
