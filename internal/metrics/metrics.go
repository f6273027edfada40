package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stata_mcp"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"endpoint", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"endpoint", "state"},
	)
	spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "spawns_total",
			Help:      "Number of worker processes launched.",
		}, []string{"endpoint"},
	)
	unexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "unexpected_exits_total",
			Help:      "Number of worker exits with a non-zero code while ready.",
		}, []string{"endpoint"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from start request to readiness or failure.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 15, 30, 60},
		}, []string{"endpoint", "outcome"},
	)
	probeAttempts = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "attempts",
			Help:      "Health checks performed per readiness wait.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		}, []string{"endpoint", "ready"},
	)
	portReclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "arbiter",
			Name:      "reclaims_total",
			Help:      "Number of processes terminated to free the service port.",
		}, []string{"port"},
	)
	bootstraps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "runs_total",
			Help:      "Environment bootstrap outcomes.",
		}, []string{"outcome"},
	)
	bootstrapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "duration_seconds",
			Help:      "Duration of full environment bootstraps.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Dispatched work requests by tool and outcome.",
		}, []string{"tool", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of dispatched work requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"},
	)
	workerMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the worker process.",
		}, []string{"endpoint"},
	)
	workerCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of the worker process.",
		}, []string{"endpoint"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		stateTransitions, currentStates, spawns, unexpectedExits, startDuration,
		probeAttempts, portReclaims, bootstraps, bootstrapDuration,
		dispatches, dispatchDuration, workerMemory, workerCPU,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(endpoint, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(endpoint, from, to).Inc()
	}
}

func SetCurrentState(endpoint, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(endpoint, state).Set(value)
	}
}

func IncSpawn(endpoint string) {
	if regOK.Load() {
		spawns.WithLabelValues(endpoint).Inc()
	}
}

func IncUnexpectedExit(endpoint string) {
	if regOK.Load() {
		unexpectedExits.WithLabelValues(endpoint).Inc()
	}
}

func ObserveStart(endpoint, outcome string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(endpoint, outcome).Observe(seconds)
	}
}

func ObserveProbe(endpoint string, ready bool, attempts int) {
	if regOK.Load() {
		r := "false"
		if ready {
			r = "true"
		}
		probeAttempts.WithLabelValues(endpoint, r).Observe(float64(attempts))
	}
}

func IncPortReclaim(port string) {
	if regOK.Load() {
		portReclaims.WithLabelValues(port).Inc()
	}
}

func IncBootstrap(outcome string) {
	if regOK.Load() {
		bootstraps.WithLabelValues(outcome).Inc()
	}
}

func ObserveBootstrapDuration(seconds float64) {
	if regOK.Load() {
		bootstrapDuration.Observe(seconds)
	}
}

func ObserveDispatch(tool, outcome string, seconds float64) {
	if regOK.Load() {
		dispatches.WithLabelValues(tool, outcome).Inc()
		dispatchDuration.WithLabelValues(tool).Observe(seconds)
	}
}

func SetWorkerResources(endpoint string, rssBytes uint64, cpuPercent float64) {
	if regOK.Load() {
		workerMemory.WithLabelValues(endpoint).Set(float64(rssBytes))
		workerCPU.WithLabelValues(endpoint).Set(cpuPercent)
	}
}
