// Package prom holds the Prometheus collectors exported by harness processes.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DeterminedNamespace is the Prometheus namespace of every harness collector.
const DeterminedNamespace = "det_harness"

var (
	// APIRequests counts Session attempts by method and outcome.
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: DeterminedNamespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP attempts made to the controller, by method and outcome",
	}, []string{"method", "outcome"})

	// WorkloadsCompleted counts workloads finished by the control loop, by kind.
	WorkloadsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: DeterminedNamespace,
		Subsystem: "trial",
		Name:      "workloads_completed_total",
		Help:      "workloads completed by the control loop, by kind",
	}, []string{"kind"})

	// CheckpointSeconds times checkpoint transfers by backend and direction.
	CheckpointSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: DeterminedNamespace,
		Subsystem: "checkpoint",
		Name:      "transfer_seconds",
		Help:      "time spent moving checkpoint files to and from storage",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"backend", "direction"})

	// CheckpointErrors counts failed checkpoint transfers by backend and direction.
	CheckpointErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: DeterminedNamespace,
		Subsystem: "checkpoint",
		Name:      "errors_total",
		Help:      "failed checkpoint transfers",
	}, []string{"backend", "direction"})

	// CollectiveSeconds times distributed collectives by operation.
	CollectiveSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: DeterminedNamespace,
		Subsystem: "distributed",
		Name:      "collective_seconds",
		Help:      "time spent blocked in collectives",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	// PreemptionSignals counts preemption signals observed by the watcher.
	PreemptionSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: DeterminedNamespace,
		Subsystem: "preempt",
		Name:      "signals_total",
		Help:      "preemption signals observed from the controller",
	})
)

// Register registers every harness collector with the given registerer.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		APIRequests, WorkloadsCompleted, CheckpointSeconds, CheckpointErrors,
		CollectiveSeconds, PreemptionSignals,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Time starts a timer and returns a func that observes the elapsed seconds. Use it as
// `defer prom.Time(o)()`.
func Time(o prometheus.Observer) func() {
	start := time.Now()
	return func() {
		o.Observe(time.Since(start).Seconds())
	}
}

// ErrCount increments the counter if the error pointed to is non-nil when the deferred call runs.
func ErrCount(c prometheus.Counter, err *error) {
	if err != nil && *err != nil {
		c.Inc()
	}
}
