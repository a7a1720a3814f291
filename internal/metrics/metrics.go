// Package metrics holds the Prometheus collectors shared by the sync engine,
// the agent loop, the runtime adapter and the generation client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "forge"

var (
	syncFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "flushes_total",
		Help:      "Writes flushed from the sync engine to the runtime, by result.",
	}, []string{"result"})
	syncConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "conflicts_detected_total",
		Help:      "Three-way conflicts detected before a flush.",
	})
	syncResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "conflicts_resolved_total",
		Help:      "Conflicts resolved, by resolution kind.",
	}, []string{"resolution"})

	agentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "runs_total",
		Help:      "Agent runs that settled, by final state.",
	}, []string{"state"})
	agentSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "steps_total",
		Help:      "Step executions, by result.",
	}, []string{"result"})
	agentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "retries_total",
		Help:      "Retry tokens consumed across all runs.",
	})

	runtimeBoots = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "boot_attempts_total",
		Help:      "Runtime boot attempts, by result.",
	}, []string{"result"})
	runtimeProcesses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "processes_spawned_total",
		Help:      "Processes spawned inside the runtime.",
	})

	generationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "requests_total",
		Help:      "Generation service calls, by phase and result.",
	}, []string{"phase", "result"})
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "request_duration_seconds",
		Help:      "Latency of generation service calls, by phase.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"phase"})
)

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// RecordFlush counts one flush attempt.
func RecordFlush(ok bool) { syncFlushes.WithLabelValues(result(ok)).Inc() }

// RecordConflict counts one detected conflict.
func RecordConflict() { syncConflicts.Inc() }

// RecordResolution counts one resolved conflict.
func RecordResolution(resolution string) { syncResolutions.WithLabelValues(resolution).Inc() }

// RecordRun counts one settled agent run.
func RecordRun(state string) { agentRuns.WithLabelValues(state).Inc() }

// RecordStep counts one step execution attempt.
func RecordStep(ok bool) { agentSteps.WithLabelValues(result(ok)).Inc() }

// RecordRetry counts one consumed retry token.
func RecordRetry() { agentRetries.Inc() }

// RecordBootAttempt counts one runtime provisioning attempt.
func RecordBootAttempt(ok bool) { runtimeBoots.WithLabelValues(result(ok)).Inc() }

// RecordSpawn counts one spawned process.
func RecordSpawn() { runtimeProcesses.Inc() }

// RecordGeneration counts one generation call and observes its latency.
func RecordGeneration(phase string, ok bool, elapsed time.Duration) {
	generationRequests.WithLabelValues(phase, result(ok)).Inc()
	generationDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
