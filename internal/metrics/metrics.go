package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstack",
			Subsystem: "service",
			Name:      "actions_total",
			Help:      "Number of supervisor actions by service, action and result.",
		}, []string{"name", "action", "result"},
	)
	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstack",
			Name:      "installs_total",
			Help:      "Number of application installs by result.",
		}, []string{"result"},
	)
	uninstalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "appstack",
			Name:      "uninstalls_total",
			Help:      "Number of application uninstalls by result.",
		}, []string{"result"},
	)
	installDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "appstack",
			Name:      "install_duration_seconds",
			Help:      "Wall time of install attempts, including rollback.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	portsReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "appstack",
			Subsystem: "ports",
			Name:      "reserved",
			Help:      "Ports currently in the reservation set.",
		},
	)
	allocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "appstack",
			Subsystem: "ports",
			Name:      "allocation_failures_total",
			Help:      "Port searches that could not satisfy the request.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceActions, installs, uninstalls, installDuration, portsReserved, allocationFailures}
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveServiceAction(name, action string, err error) {
	if regOK.Load() {
		serviceActions.WithLabelValues(name, action, result(err)).Inc()
	}
}

func ObserveInstall(seconds float64, err error) {
	if regOK.Load() {
		installs.WithLabelValues(result(err)).Inc()
		installDuration.Observe(seconds)
	}
}

func ObserveUninstall(err error) {
	if regOK.Load() {
		uninstalls.WithLabelValues(result(err)).Inc()
	}
}

func SetPortsReserved(n int) {
	if regOK.Load() {
		portsReserved.Set(float64(n))
	}
}

func IncAllocationFailure() {
	if regOK.Load() {
		allocationFailures.Inc()
	}
}
