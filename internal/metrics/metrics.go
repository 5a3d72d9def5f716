// Package metrics exposes Prometheus instrumentation for the lifecycle,
// the job queue and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitions counts lifecycle state changes.
	// Labels: from, to
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testroom",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Total session state transitions",
	}, []string{"from", "to"})

	// stepDuration measures provisioning and teardown steps.
	// Labels: step (launch, await_ready, credentials, register, probe, snapshot,
	// terminate, deregister, archive), outcome (ok, error)
	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "testroom",
		Subsystem: "lifecycle",
		Name:      "step_duration_seconds",
		Help:      "Duration of lifecycle steps in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"step", "outcome"})

	// verdicts counts probe verdicts recorded at teardown.
	verdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testroom",
		Subsystem: "lifecycle",
		Name:      "verdicts_total",
		Help:      "Probe verdicts recorded at teardown",
	}, []string{"verdict"})

	// jobs counts finished job attempts.
	// Labels: kind, result (done, retry, failed)
	jobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testroom",
		Subsystem: "jobs",
		Name:      "attempts_total",
		Help:      "Job attempts by kind and result",
	}, []string{"kind", "result"})

	// jobsRunning tracks in-flight jobs.
	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "testroom",
		Subsystem: "jobs",
		Name:      "running",
		Help:      "Jobs currently executing",
	})

	// accessOutcomes counts gate decisions.
	// Labels: outcome (granted, denied, locked)
	accessOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testroom",
		Subsystem: "gate",
		Name:      "outcomes_total",
		Help:      "Access gate decisions",
	}, []string{"outcome"})

	// httpRequests counts API requests.
	// Labels: route, code
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testroom",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
)

// ObserveTransition records a state change.
func ObserveTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

// ObserveStep records the duration of a lifecycle step started at start.
func ObserveStep(step string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stepDuration.WithLabelValues(step, outcome).Observe(time.Since(start).Seconds())
}

// ObserveVerdict records a probe verdict.
func ObserveVerdict(verdict string) {
	verdicts.WithLabelValues(verdict).Inc()
}

// ObserveJob records the result of one job attempt.
func ObserveJob(kind, result string) {
	jobs.WithLabelValues(kind, result).Inc()
}

// JobStarted and JobFinished bracket a running job.
func JobStarted()  { jobsRunning.Inc() }
func JobFinished() { jobsRunning.Dec() }

// ObserveAccess records a gate decision.
func ObserveAccess(outcome string) {
	accessOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveRequest records one HTTP response.
func ObserveRequest(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}
