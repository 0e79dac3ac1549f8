// Package metrics exposes Prometheus collectors for the bus, client
// delivery and HTTP layers on a dedicated registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

const namespace = "catalog"

var busStates = []bus.State{bus.StateConnecting, bus.StateHealthy, bus.StateDegraded, bus.StateClosed}

// Metrics holds all application metrics. It implements bus.MetricsRecorder
// and notify.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// Bus metrics
	BusPublished      *prometheus.CounterVec   // labels: channel, outcome
	BusPublishLatency *prometheus.HistogramVec // labels: channel
	BusReceived       *prometheus.CounterVec   // labels: channel
	BusState          *prometheus.GaugeVec     // labels: state

	// Client delivery metrics
	NotifyDropped     *prometheus.CounterVec // labels: code
	EventsReceived    *prometheus.CounterVec // labels: kind
	FramesDelivered   prometheus.Counter
	SlowConsumers     prometheus.Counter
	ActiveConnections prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec   // labels: method, path, status
	HTTPDuration *prometheus.HistogramVec // labels: method, path
}

// New creates metrics registered on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Events handed to the broker by channel and outcome.",
		}, []string{"channel", "outcome"}),
		BusPublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_duration_seconds",
			Help:      "Broker publish latency in seconds.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2},
		}, []string{"channel"}),
		BusReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "received_total",
			Help:      "Events received from the broker by channel.",
		}, []string{"channel"}),
		BusState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "state",
			Help:      "1 for the current broadcast bridge state, 0 otherwise.",
		}, []string{"state"}),
		NotifyDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Change notifications dropped after a committed write, by error code.",
		}, []string{"code"}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_received_total",
			Help:      "Change events dispatched to local clients, by kind.",
		}, []string{"kind"}),
		FramesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_delivered_total",
			Help:      "Frames enqueued to client connections.",
		}),
		SlowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "slow_clients_evicted_total",
			Help:      "Client connections closed because their backlog was full.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_current",
			Help:      "Currently registered client connections.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BusPublished, m.BusPublishLatency, m.BusReceived, m.BusState,
		m.NotifyDropped, m.EventsReceived, m.FramesDelivered, m.SlowConsumers, m.ActiveConnections,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry returns the registry backing these metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBusPublish records one publish attempt.
func (m *Metrics) RecordBusPublish(channel string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errors.CodeOf(err)
		if outcome == "" {
			outcome = errors.CodeInternal
		}
	}
	m.BusPublished.WithLabelValues(channel, outcome).Inc()
	m.BusPublishLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordBusReceived counts one event delivered by the broker.
func (m *Metrics) RecordBusReceived(channel string) {
	m.BusReceived.WithLabelValues(channel).Inc()
}

// RecordBusState marks state as current.
func (m *Metrics) RecordBusState(state bus.State) {
	for _, s := range busStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.BusState.WithLabelValues(s.String()).Set(v)
	}
}

// RecordNotifyDropped counts a notification lost after a committed write.
func (m *Metrics) RecordNotifyDropped(code string) {
	if code == "" {
		code = errors.CodeInternal
	}
	m.NotifyDropped.WithLabelValues(code).Inc()
}

// RecordEventReceived counts an event dispatched to local clients.
func (m *Metrics) RecordEventReceived(kind string) {
	m.EventsReceived.WithLabelValues(kind).Inc()
}

// RecordDelivered adds n enqueued frames.
func (m *Metrics) RecordDelivered(n int) {
	m.FramesDelivered.Add(float64(n))
}

// RecordSlowConsumer counts a force-closed connection.
func (m *Metrics) RecordSlowConsumer() {
	m.SlowConsumers.Inc()
}

// SetActiveConnections sets the registered connection count.
func (m *Metrics) SetActiveConnections(n int) {
	m.ActiveConnections.Set(float64(n))
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path string, status int, duration float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration)
}
