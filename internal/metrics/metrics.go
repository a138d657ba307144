package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Known aggregate health states exported through the status gauge. Must
// stay in lockstep with the checker's Status values; the checker imports
// this package, so they cannot be referenced here directly.
var healthStates = []string{"healthy", "degraded", "unhealthy"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probeChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "probe",
			Name:      "checks_total",
			Help:      "Number of probe executions.",
		}, []string{"probe"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "probe",
			Name:      "failures_total",
			Help:      "Number of probe executions that found the target unhealthy.",
		}, []string{"probe"},
	)
	probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Probe execution duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"probe"},
	)
	probeHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "probe",
			Name:      "healthy",
			Help:      "Last probe verdict (1 = healthy, 0 = unhealthy).",
		}, []string{"probe"},
	)

	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "event",
			Name:      "emitted_total",
			Help:      "Number of health events emitted.",
		}, []string{"type", "category"},
	)

	recoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Number of recovery strategy executions.",
		}, []string{"strategy"},
	)
	recoveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "recovery",
			Name:      "failures_total",
			Help:      "Number of recovery strategy executions that failed.",
		}, []string{"strategy"},
	)

	orphansCleaned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "orphan",
			Name:      "cleaned_total",
			Help:      "Number of orphaned processes terminated.",
		},
	)
	orphanFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Subsystem: "orphan",
			Name:      "cleanup_failures_total",
			Help:      "Number of orphaned processes that survived cleanup.",
		},
	)

	healthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "health",
			Name:      "status",
			Help:      "Aggregate health state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	registryProcesses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "registry",
			Name:      "processes",
			Help:      "Registry entries by scope.",
		}, []string{"scope"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{probeChecks, probeFailures, probeDuration, probeHealthy, eventsEmitted, recoveryAttempts, recoveryFailures, orphansCleaned, orphanFailures, healthStatus, registryProcesses}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				_ = are // keep existing
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveProbe(probe string, healthy bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	probeChecks.WithLabelValues(probe).Inc()
	probeDuration.WithLabelValues(probe).Observe(seconds)
	v := float64(0)
	if healthy {
		v = 1
	} else {
		probeFailures.WithLabelValues(probe).Inc()
	}
	probeHealthy.WithLabelValues(probe).Set(v)
}

func IncEvent(typ, category string) {
	if regOK.Load() {
		eventsEmitted.WithLabelValues(typ, category).Inc()
	}
}

func IncRecovery(strategy string, success bool) {
	if !regOK.Load() {
		return
	}
	recoveryAttempts.WithLabelValues(strategy).Inc()
	if !success {
		recoveryFailures.WithLabelValues(strategy).Inc()
	}
}

func AddOrphansCleaned(n int) {
	if regOK.Load() && n > 0 {
		orphansCleaned.Add(float64(n))
	}
}

func AddOrphanFailures(n int) {
	if regOK.Load() && n > 0 {
		orphanFailures.Add(float64(n))
	}
}

// SetHealthStatus marks one aggregate state active and the others inactive.
func SetHealthStatus(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range healthStates {
		v := float64(0)
		if s == state {
			v = 1
		}
		healthStatus.WithLabelValues(s).Set(v)
	}
}

func SetRegistryProcesses(current, orphaned int) {
	if !regOK.Load() {
		return
	}
	registryProcesses.WithLabelValues("current").Set(float64(current))
	registryProcesses.WithLabelValues("orphaned").Set(float64(orphaned))
}
