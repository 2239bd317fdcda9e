package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/machinewatch/machinewatch/pkg/types"
)

const namespace = "machinewatch"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	readings      prometheus.Counter
	alerts        *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	running       prometheus.Gauge
	wsDropped     *prometheus.CounterVec
	notifyDropped *prometheus.CounterVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings generated and stored by the simulator.",
		}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts persisted by the simulator, by alert type.",
		}, []string{"alert_type"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations inside simulation loops, by operation.",
		}, []string{"op"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulations_running",
			Help:      "Machines with a live simulation loop.",
		}),
		wsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_dropped_total",
			Help:      "WebSocket subscribers dropped after a failed send, by machine.",
		}, []string{"machine_id"}),
		notifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_dropped_total",
			Help:      "Alerts evicted or rejected by a notification target.",
		}, []string{"target"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readings,
		m.alerts,
		m.storeErrors,
		m.running,
		m.wsDropped,
		m.notifyDropped,
	)
	return m
}

// RegisterSubscribers exposes fn as the current WebSocket subscriber gauge.
func (m *Metrics) RegisterSubscribers(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ws_subscribers",
		Help:      "Connected WebSocket subscribers across all machines.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ReadingStored counts one simulated reading written to the store.
func (m *Metrics) ReadingStored(int64) { m.readings.Inc() }

// AlertRaised counts a stored alert by type.
func (m *Metrics) AlertRaised(a types.Alert) { m.alerts.WithLabelValues(string(a.AlertType)).Inc() }

// StoreError counts a failed store call by operation.
func (m *Metrics) StoreError(op string) { m.storeErrors.WithLabelValues(op).Inc() }

// Running sets the number of active simulation loops.
func (m *Metrics) Running(n int) { m.running.Set(float64(n)) }

// WSDropped counts a subscriber dropped from machineID.
func (m *Metrics) WSDropped(machineID int64) {
	m.wsDropped.WithLabelValues(strconv.FormatInt(machineID, 10)).Inc()
}

// NotifyDropped counts an alert lost by target.
func (m *Metrics) NotifyDropped(target string) { m.notifyDropped.WithLabelValues(target).Inc() }
