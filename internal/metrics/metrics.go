package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "massawatch"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Number of restarts caused by a lost live signal.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	supervisorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "failures_total",
			Help:      "Number of unexpected errors caught by the supervisor loop.",
		}, []string{"name"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "probe_duration_seconds",
			Help:      "Health probe latency by result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between supervisor states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	pipelineTicks = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one notification pipeline tick.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"result"},
	)
	statusQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "status_queries_total",
			Help:      "Batched status queries by result.",
		}, []string{"result"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "notifications_total",
			Help:      "Delivered notifications by kind and result.",
		}, []string{"kind", "result"},
	)
	eligibleSubjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "eligible_subjects",
			Help:      "Subjects outside the throttle window at the last tick.",
		},
	)
	watchedSubjects = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subjects",
			Help:      "Watched subjects with at least one subscriber.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "subscribers",
			Help:      "Distinct subscribers.",
		},
	)
	sessionRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "session_restarts_total",
			Help:      "Sessions restarted after a failure.",
		},
	)
	backoffSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runner",
			Name:      "backoff_seconds",
			Help:      "Delay applied before the most recent session restart.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		processStarts, processRestarts, processStops, supervisorFailures, probeDuration,
		stateTransitions, currentStates,
		pipelineTicks, statusQueries, notifications, eligibleSubjects,
		watchedSubjects, subscribers,
		sessionRestarts, backoffSeconds,
		nodeCPUPercent, nodeMemoryBytes, nodeNumThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// allow double Register with the default registry
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		processRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncSupervisorFailure(name string) {
	if regOK.Load() {
		supervisorFailures.WithLabelValues(name).Inc()
	}
}

func ObserveProbe(name string, ok bool, seconds float64) {
	if regOK.Load() {
		probeDuration.WithLabelValues(name, result(ok)).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func ObservePipelineTick(ok bool, seconds float64) {
	if regOK.Load() {
		pipelineTicks.WithLabelValues(result(ok)).Observe(seconds)
	}
}

func IncStatusQuery(ok bool) {
	if regOK.Load() {
		statusQueries.WithLabelValues(result(ok)).Inc()
	}
}

// IncNotification counts one delivery attempt; kind is "failure", "recovery" or "admin".
func IncNotification(kind string, ok bool) {
	if regOK.Load() {
		notifications.WithLabelValues(kind, result(ok)).Inc()
	}
}

func SetEligible(n int) {
	if regOK.Load() {
		eligibleSubjects.Set(float64(n))
	}
}

func SetRegistrySize(subjects, subs int) {
	if regOK.Load() {
		watchedSubjects.Set(float64(subjects))
		subscribers.Set(float64(subs))
	}
}

func RecordSessionRestart(delaySeconds float64) {
	if regOK.Load() {
		sessionRestarts.Inc()
		backoffSeconds.Set(delaySeconds)
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
