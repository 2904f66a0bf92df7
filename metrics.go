package natsio

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors for one or more connections. A nil
// *Metrics records nothing.
type Metrics struct {
	msgsIn          prometheus.Counter
	msgsOut         prometheus.Counter
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	droppedMsgs     prometheus.Counter
	reconnects      prometheus.Counter
	parseErrors     prometheus.Counter
	serverErrors    prometheus.Counter
	connected       prometheus.Gauge
	connectDuration prometheus.Histogram
}

// NewMetrics registers the collectors with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		msgsIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msgs_in_total",
			Help:      "Messages delivered to subscription handlers",
		}),
		msgsOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msgs_out_total",
			Help:      "Messages published",
		}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_in_total",
			Help:      "Payload bytes delivered to subscription handlers",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_out_total",
			Help:      "Payload bytes published",
		}),
		droppedMsgs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_msgs_total",
			Help:      "MSG frames for unknown subscriptions",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Sessions re-established after a disconnect",
		}),
		parseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Sessions dropped because of a framing error",
		}),
		serverErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_errors_total",
			Help:      "-ERR frames received",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while a session is established",
		}),
		connectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time from dial to CONNECT written",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) delivered(n int) {
	if m == nil {
		return
	}
	m.msgsIn.Inc()
	m.bytesIn.Add(float64(n))
}

func (m *Metrics) published(n int) {
	if m == nil {
		return
	}
	m.msgsOut.Inc()
	m.bytesOut.Add(float64(n))
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedMsgs.Inc()
	}
}

func (m *Metrics) parseError() {
	if m != nil {
		m.parseErrors.Inc()
	}
}

func (m *Metrics) serverError() {
	if m != nil {
		m.serverErrors.Inc()
	}
}

func (m *Metrics) sessionUp(reconnect bool, took time.Duration) {
	if m == nil {
		return
	}
	m.connected.Set(1)
	m.connectDuration.Observe(took.Seconds())
	if reconnect {
		m.reconnects.Inc()
	}
}

func (m *Metrics) sessionDown() {
	if m != nil {
		m.connected.Set(0)
	}
}
