package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "apptsched"

	// Labels
	outcomeLabel  = "outcome"
	fromLabel     = "from"
	toLabel       = "to"
	notifierLabel = "notifier"
	resultLabel   = "result"
	sourceLabel   = "source"
)

var attemptsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "number of portal attempts partitioned by outcome",
	},
	[]string{outcomeLabel},
)

var attemptDurationMetric = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_duration_seconds",
		Help:      "wall time of one portal attempt",
		Buckets:   []float64{5, 15, 30, 60, 120, 240},
	},
)

var transitionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "number of job status transitions",
	},
	[]string{fromLabel, toLabel},
)

var queueDepthMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scheduler_queue_depth",
		Help:      "jobs waiting in the scheduler queue",
	},
)

var inFlightMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "attempts_in_flight",
		Help:      "attempts currently holding a browser session",
	},
)

var notificationsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "notifications sent partitioned by notifier and result",
	},
	[]string{notifierLabel, resultLabel},
)

var codesTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verification_codes_total",
		Help:      "verification codes received partitioned by source",
	},
	[]string{sourceLabel},
)

func ObserveAttempt(outcome string, seconds float64) {
	attemptsTotalMetric.With(prometheus.Labels{outcomeLabel: outcome}).Inc()
	attemptDurationMetric.Observe(seconds)
}

func IncreaseTransitions(from, to string) {
	transitionsTotalMetric.With(prometheus.Labels{fromLabel: from, toLabel: to}).Inc()
}

func SetQueueDepth(n int) { queueDepthMetric.Set(float64(n)) }

func SetInFlight(n int) { inFlightMetric.Set(float64(n)) }

func IncreaseNotifications(notifier string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	notificationsTotalMetric.With(prometheus.Labels{notifierLabel: notifier, resultLabel: result}).Inc()
}

func IncreaseCodes(source string) {
	codesTotalMetric.With(prometheus.Labels{sourceLabel: source}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(attemptsTotalMetric)
	prometheus.MustRegister(attemptDurationMetric)
	prometheus.MustRegister(transitionsTotalMetric)
	prometheus.MustRegister(queueDepthMetric)
	prometheus.MustRegister(inFlightMetric)
	prometheus.MustRegister(notificationsTotalMetric)
	prometheus.MustRegister(codesTotalMetric)
}
