// Package observability provides Prometheus metrics for automountd.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// namespace is the Prometheus metric namespace prefix for all automountd metrics.
	namespace = "automountd"
)

// Metrics holds all Prometheus metrics for automountd.
type Metrics struct {
	registry *prometheus.Registry

	// Registry size, queried at scrape time
	drivesMu        sync.Mutex
	drivesCollector prometheus.Collector

	// Mount operation metrics
	mountOpsTotal *prometheus.CounterVec

	// Detection loop metrics
	cyclesTotal   *prometheus.CounterVec
	cycleDuration prometheus.Histogram

	// Device metrics
	disconnectsTotal    prometheus.Counter
	probeResultsTotal   *prometheus.CounterVec
	staleMountsDetected *prometheus.CounterVec

	// Lifecycle events metrics
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
// Uses a custom registry so tests and restarts never collide on DefaultRegistry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		mountOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_operations_total",
				Help:      "Total number of mount/unmount operations by type and status",
			},
			[]string{"operation", "status"},
		),

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "detection_cycles_total",
				Help:      "Total number of detection cycles by status",
			},
			[]string{"status"},
		),

		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_cycle_duration_seconds",
			Help:      "Duration of detection cycles in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		disconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total number of drives detected as disconnected",
		}),

		probeResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_results_total",
				Help:      "Total number of filesystem probes by result",
			},
			[]string{"result"},
		),

		staleMountsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stale_mounts_detected_total",
				Help:      "Total number of registered mounts found out of sync with the mount table, by reason",
			},
			[]string{"reason"},
		),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of lifecycle events by type and severity",
			},
			[]string{"type", "severity"},
		),
	}

	// Register all metrics with the custom registry
	reg.MustRegister(
		m.mountOpsTotal,
		m.cyclesTotal,
		m.cycleDuration,
		m.disconnectsTotal,
		m.probeResultsTotal,
		m.staleMountsDetected,
		m.eventsTotal,
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
// Use promhttp.HandlerFor with the custom registry for proper isolation.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetDriveCounter registers the drives_registered gauge backed by countFn,
// typically drive.Registry.Len. The gauge is absent until this is called.
// Calling it again replaces the previous source.
func (m *Metrics) SetDriveCounter(countFn func() int) {
	m.drivesMu.Lock()
	defer m.drivesMu.Unlock()

	if m.drivesCollector != nil {
		m.registry.Unregister(m.drivesCollector)
	}

	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "drives_registered",
		Help:      "Number of drives currently tracked by the registry",
	}, func() float64 {
		return float64(countFn())
	})
	m.registry.MustRegister(gauge)
	m.drivesCollector = gauge
}

// RecordMountOp records a mount or unmount operation.
// operation should be one of: mount, unmount.
func (m *Metrics) RecordMountOp(operation string, err error) {
	m.mountOpsTotal.WithLabelValues(operation, statusLabel(err)).Inc()
}

// RecordCycle records a completed detection cycle.
// A cycle whose device enumeration failed is counted as a failure.
func (m *Metrics) RecordCycle(err error, duration time.Duration) {
	m.cyclesTotal.WithLabelValues(statusLabel(err)).Inc()
	m.cycleDuration.Observe(duration.Seconds())
}

// RecordDisconnect records that a registered drive's device node disappeared.
func (m *Metrics) RecordDisconnect() {
	m.disconnectsTotal.Inc()
}

// RecordProbe records a filesystem probe outcome: found, none or error.
func (m *Metrics) RecordProbe(result string) {
	m.probeResultsTotal.WithLabelValues(result).Inc()
}

// RecordStaleMount records a drive whose mount no longer matches the mount table.
func (m *Metrics) RecordStaleMount(reason string) {
	m.staleMountsDetected.WithLabelValues(reason).Inc()
}

// RecordEvent records that a lifecycle event was emitted.
func (m *Metrics) RecordEvent(eventType, severity string) {
	m.eventsTotal.WithLabelValues(eventType, severity).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
