package license

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Validation outcome labels.
const (
	outcomeValid            = "valid"
	outcomeRejectedSoft     = "rejected_soft"
	outcomeRejectedTerminal = "rejected_terminal"
	outcomeUnreachable      = "unreachable"
	outcomeStaleTimestamp   = "stale_timestamp"
)

// Activation result labels.
const (
	activationAccepted    = "accepted"
	activationRejected    = "rejected"
	activationUnreachable = "unreachable"
)

// engineMetrics manages Prometheus instrumentation for license operations.
type engineMetrics struct {
	validationsTotal   *prometheus.CounterVec
	activationsTotal   *prometheus.CounterVec
	quotaConsumedTotal *prometheus.CounterVec
}

var (
	engineMetricsInstance *engineMetrics
	engineMetricsOnce     sync.Once
	engineMetricsFactory  = defaultEngineMetricsFactory
)

// getEngineMetrics returns the process-wide metrics instance. Registration
// is global in Prometheus, so this one spot stays a singleton even though
// the engine itself is constructed explicitly.
func getEngineMetrics() *engineMetrics {
	engineMetricsOnce.Do(func() {
		engineMetricsInstance = engineMetricsFactory()
	})
	return engineMetricsInstance
}

func defaultEngineMetricsFactory() *engineMetrics {
	return newEngineMetrics(prometheus.DefaultRegisterer)
}

func newEngineMetrics(registerer prometheus.Registerer) *engineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &engineMetrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "droidbay",
				Subsystem: "license",
				Name:      "validations_total",
				Help:      "Total license validation attempts by outcome",
			},
			[]string{"outcome"},
		),
		activationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "droidbay",
				Subsystem: "license",
				Name:      "activations_total",
				Help:      "Total license activation attempts by result",
			},
			[]string{"result"},
		),
		quotaConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "droidbay",
				Subsystem: "quota",
				Name:      "consumed_total",
				Help:      "Total quota units consumed by feature",
			},
			[]string{"feature"},
		),
	}

	m.validationsTotal = registerCounterVec(registerer, m.validationsTotal)
	m.activationsTotal = registerCounterVec(registerer, m.activationsTotal)
	m.quotaConsumedTotal = registerCounterVec(registerer, m.quotaConsumedTotal)

	return m
}

func registerCounterVec(registerer prometheus.Registerer, counter *prometheus.CounterVec) *prometheus.CounterVec {
	if err := registerer.Register(counter); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
		panic(err)
	}
	return counter
}

func (m *engineMetrics) recordValidation(outcome string) {
	m.validationsTotal.WithLabelValues(outcome).Inc()
}

func (m *engineMetrics) recordActivation(result string) {
	m.activationsTotal.WithLabelValues(result).Inc()
}

func (m *engineMetrics) recordQuotaConsumed(feature string, units int) {
	if units <= 0 {
		return
	}
	m.quotaConsumedTotal.WithLabelValues(feature).Add(float64(units))
}
