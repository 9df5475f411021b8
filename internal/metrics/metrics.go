package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels evaluations and notifications that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels evaluations and notifications that failed.
	OutcomeError = "error"
)

var (
	ruleEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opswatch",
			Name:      "rule_evaluations_total",
			Help:      "Total number of per-rule evaluations, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	alertsFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opswatch",
			Name:      "alerts_fired_total",
			Help:      "Total number of alert instances fired.",
		},
	)

	alertsResolvedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "opswatch",
			Name:      "alerts_resolved_total",
			Help:      "Total number of alert instances resolved.",
		},
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opswatch",
			Name:      "anomalies_detected_total",
			Help:      "Total number of anomaly findings, partitioned by algorithm.",
		},
		[]string{"algorithm"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "opswatch",
			Name:      "notifications_total",
			Help:      "Notification action dispatches, partitioned by action type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	evaluationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "opswatch",
			Name:      "evaluation_seconds",
			Help:      "Duration of a full rule-evaluation cycle in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	detectionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "opswatch",
			Name:      "detection_seconds",
			Help:      "Duration of a full anomaly-detection sweep in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
)

// Register attaches all opswatch collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		ruleEvaluationsTotal,
		alertsFiredTotal,
		alertsResolvedTotal,
		anomaliesDetectedTotal,
		notificationsTotal,
		evaluationSeconds,
		detectionSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// IncRuleEvaluation records a single rule evaluation outcome.
func IncRuleEvaluation(outcome string) {
	ruleEvaluationsTotal.WithLabelValues(outcome).Inc()
}

// IncAlertFired records one fired alert instance.
func IncAlertFired() { alertsFiredTotal.Inc() }

// IncAlertResolved records one resolved alert instance.
func IncAlertResolved() { alertsResolvedTotal.Inc() }

// IncAnomaly records one anomaly finding for the given algorithm.
func IncAnomaly(algorithm string) {
	anomaliesDetectedTotal.WithLabelValues(algorithm).Inc()
}

// IncNotification records one notification dispatch attempt outcome.
func IncNotification(actionType, outcome string) {
	notificationsTotal.WithLabelValues(actionType, outcome).Inc()
}

// ObserveEvaluation records the duration of a rule-evaluation cycle.
func ObserveEvaluation(d time.Duration) {
	if d < 0 {
		d = 0
	}
	evaluationSeconds.Observe(d.Seconds())
}

// ObserveDetection records the duration of an anomaly-detection sweep.
func ObserveDetection(d time.Duration) {
	if d < 0 {
		d = 0
	}
	detectionSeconds.Observe(d.Seconds())
}
