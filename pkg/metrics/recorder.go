// Package metrics records Prometheus metrics for backend calls, host pool contention and
// negotiation outcomes.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Recorder implements the metric sinks of the backend middleware, the host pool
// registry and the negotiation protocol.
type Recorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	acquireWait     *prometheus.HistogramVec
	exhaustedTotal  prometheus.Counter
	hostsInUse      *prometheus.GaugeVec
	releaseDropped  prometheus.Counter
	evaluationTotal *prometheus.CounterVec
	turnsTotal      *prometheus.CounterVec
}

// NewRecorder registers the negotiator metrics with reg. A nil reg uses the default
// Prometheus registerer.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Recorder{
		requestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of backend chat requests by model and status",
			},
			[]string{"model", "status", "error_type"},
		),
		tokensTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Estimated tokens sent to and received from the backend",
			},
			[]string{"model", "type"},
		),
		requestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of backend chat requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		acquireWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hostpool_acquire_wait_seconds",
				Help:    "Time spent waiting for a backend host",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"outcome"},
		),
		exhaustedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "hostpool_exhausted_total",
			Help: "Turns abandoned because no host became free before the wait ceiling",
		}),
		hostsInUse: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hostpool_hosts_in_use",
				Help: "Hosts currently borrowed per round",
			},
			[]string{"round"},
		),
		releaseDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "hostpool_release_dropped_total",
			Help: "Releases dropped because the host was unknown or the pool was full",
		}),
		evaluationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "negotiation_evaluations_total",
				Help: "Classifier outcomes of incoming offers",
			},
			[]string{"evaluation"},
		),
		turnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "negotiation_turns_total",
				Help: "Negotiation turns by inbound event type and outcome",
			},
			[]string{"event", "outcome"},
		),
	}
}

// ObserveRequest records one completed backend request.
func (r *Recorder) ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	r.requestsTotal.WithLabelValues(model, status, errorType).Inc()
	if success {
		r.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		r.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	r.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveAcquire records how long an acquisition waited and whether it got a host.
func (r *Recorder) ObserveAcquire(round string, wait time.Duration, ok bool) {
	outcome := "acquired"
	if !ok {
		outcome = "exhausted"
		r.exhaustedTotal.Inc()
	} else {
		r.hostsInUse.WithLabelValues(round).Inc()
	}
	r.acquireWait.WithLabelValues(outcome).Observe(wait.Seconds())
}

// ObserveRelease records a returned host; dropped releases are counted separately.
func (r *Recorder) ObserveRelease(round string, dropped bool) {
	if dropped {
		r.releaseDropped.Inc()
		return
	}
	r.hostsInUse.WithLabelValues(round).Dec()
}

// ForgetRound drops the per-round series once the round's pool is torn down.
func (r *Recorder) ForgetRound(round string) {
	r.hostsInUse.DeleteLabelValues(round)
}

// ObserveEvaluation counts one classifier outcome.
func (r *Recorder) ObserveEvaluation(evaluation string) {
	r.evaluationTotal.WithLabelValues(evaluation).Inc()
}

// ObserveTurn counts one finished turn.
func (r *Recorder) ObserveTurn(event, outcome string) {
	r.turnsTotal.WithLabelValues(event, outcome).Inc()
}
