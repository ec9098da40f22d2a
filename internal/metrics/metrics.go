// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Verdicts counts evaluated messages by final classification.
	Verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "pipeline",
		Name:      "verdicts_total",
		Help:      "Messages evaluated, by aggregate verdict.",
	}, []string{"verdict"})

	// CheckResults counts individual check outcomes.
	CheckResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "pipeline",
		Name:      "check_results_total",
		Help:      "Check executions, by check name and outcome (scored, clean, abstained, error).",
	}, []string{"check", "outcome"})

	// CacheLookups counts result-cache lookups by outcome.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Result cache lookups, by outcome (hit, miss, shared).",
	}, []string{"outcome"})

	// ClassifierTrainings counts completed classifier training runs.
	ClassifierTrainings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "classifier",
		Name:      "trainings_total",
		Help:      "Completed classifier training runs.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
