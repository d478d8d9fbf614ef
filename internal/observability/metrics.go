package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	apiRequestsTotal       *prometheus.CounterVec
	apiLatencySeconds      *prometheus.HistogramVec
	apiErrorsTotal         *prometheus.CounterVec
	gradingOutcomesTotal   *prometheus.CounterVec
	testStateLookupsTotal  *prometheus.CounterVec
	expansionSeconds       *prometheus.HistogramVec
	submissionRecycleTotal prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the grader.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_requests_total",
			Help: "Total number of grader API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_api_latency_seconds",
			Help:    "Latency distribution for grader API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_api_errors_total",
			Help: "Total number of error responses returned by grader endpoints.",
		}, []string{"method", "route", "status"})

		gradingOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_outcomes_total",
			Help: "Graded submissions by question kind, phase and status.",
		}, []string{"kind", "phase", "status"})

		testStateLookupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_test_state_lookups_total",
			Help: "Test state lookups by the layer that answered them.",
		}, []string{"source"})

		expansionSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_expansion_duration_seconds",
			Help:    "Duration of test template expansions.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"result"})

		submissionRecycleTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_submission_recycles_total",
			Help: "Submissions answered from an identical earlier attempt.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			gradingOutcomesTotal, testStateLookupsTotal, expansionSeconds, submissionRecycleTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// GradingOutcomes counts graded submissions.
func GradingOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingOutcomesTotal
}

// TestStateLookups counts test state lookups by source: redis, database or rebuild.
func TestStateLookups() *prometheus.CounterVec {
	RegisterMetrics()
	return testStateLookupsTotal
}

// ExpansionDuration observes how long expansions take.
func ExpansionDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return expansionSeconds
}

// SubmissionRecycles counts deduplicated submissions.
func SubmissionRecycles() prometheus.Counter {
	RegisterMetrics()
	return submissionRecycleTotal
}
