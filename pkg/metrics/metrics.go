// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StagedChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitesync",
		Subsystem: "ledger",
		Name:      "staged_changes_total",
		Help:      "Pending changes upserted into the ledger, by action.",
	}, []string{"action"})

	Commits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitesync",
		Subsystem: "history",
		Name:      "commits_total",
		Help:      "Commit attempts, by result.",
	}, []string{"result"})

	DeployTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitesync",
		Subsystem: "deploy",
		Name:      "transitions_total",
		Help:      "Deploy attempt state transitions, by target status.",
	}, []string{"status"})

	ProviderPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sitesync",
		Subsystem: "deploy",
		Name:      "provider_polls_total",
		Help:      "Provider status polls, by outcome.",
	}, []string{"outcome"})

	RealtimeSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sitesync",
		Subsystem: "realtime",
		Name:      "sessions",
		Help:      "Authenticated realtime sessions, by client kind.",
	}, []string{"kind"})

	BuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sitesync",
		Subsystem: "builder",
		Name:      "build_duration_seconds",
		Help:      "Wall time spent producing a build artifact.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		StagedChanges,
		Commits,
		DeployTransitions,
		ProviderPolls,
		RealtimeSessions,
		BuildDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
