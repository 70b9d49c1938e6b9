package rabbitmq

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports client metrics as Prometheus counters.
type PrometheusMetricsCollector struct {
	connections  *prometheus.CounterVec
	channels     *prometheus.CounterVec
	messages     *prometheus.CounterVec
	confirms     *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	heartbeats   prometheus.Counter
	backpressure prometheus.Counter
}

// NewPrometheusMetricsCollector creates the counters under namespace and
// registers them with reg.
func NewPrometheusMetricsCollector(reg prometheus.Registerer, namespace string) (*PrometheusMetricsCollector, error) {
	m := &PrometheusMetricsCollector{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events by type.",
		}, []string{"event"}),
		channels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "channel_events_total",
			Help:      "Channel lifecycle events by type.",
		}, []string{"event"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "messages_total",
			Help:      "Messages by operation.",
		}, []string{"operation"}),
		confirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "publisher_confirms_total",
			Help:      "Publisher confirms by outcome.",
		}, []string{"outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "bytes_total",
			Help:      "Bytes moved over connections by direction.",
		}, []string{"direction"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections closed for missed heartbeats.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "amqp",
			Name:      "backpressure_warnings_total",
			Help:      "Times the outbound buffer exceeded the backpressure threshold.",
		}),
	}

	for _, c := range []prometheus.Collector{m.connections, m.channels, m.messages, m.confirms, m.bytes, m.heartbeats, m.backpressure} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register amqp metrics")
		}
	}
	return m, nil
}

func (m *PrometheusMetricsCollector) ConnectionOpened() {
	m.connections.WithLabelValues("opened").Inc()
}
func (m *PrometheusMetricsCollector) ConnectionClosed() {
	m.connections.WithLabelValues("closed").Inc()
}
func (m *PrometheusMetricsCollector) ConnectionError(error) {
	m.connections.WithLabelValues("error").Inc()
}
func (m *PrometheusMetricsCollector) HeartbeatTimeout()     { m.heartbeats.Inc() }
func (m *PrometheusMetricsCollector) BackpressureDetected() { m.backpressure.Inc() }

func (m *PrometheusMetricsCollector) BytesTransferred(sent, received int) {
	if sent > 0 {
		m.bytes.WithLabelValues("sent").Add(float64(sent))
	}
	if received > 0 {
		m.bytes.WithLabelValues("received").Add(float64(received))
	}
}

func (m *PrometheusMetricsCollector) ChannelOpened()     { m.channels.WithLabelValues("opened").Inc() }
func (m *PrometheusMetricsCollector) ChannelClosed()     { m.channels.WithLabelValues("closed").Inc() }
func (m *PrometheusMetricsCollector) ChannelError(error) { m.channels.WithLabelValues("error").Inc() }

func (m *PrometheusMetricsCollector) MessagePublished() {
	m.messages.WithLabelValues("published").Inc()
}
func (m *PrometheusMetricsCollector) MessageConsumed() { m.messages.WithLabelValues("consumed").Inc() }
func (m *PrometheusMetricsCollector) MessageAcked()    { m.messages.WithLabelValues("acked").Inc() }
func (m *PrometheusMetricsCollector) MessageNacked()   { m.messages.WithLabelValues("nacked").Inc() }
func (m *PrometheusMetricsCollector) MessageRejected() { m.messages.WithLabelValues("rejected").Inc() }
func (m *PrometheusMetricsCollector) MessageReturned() { m.messages.WithLabelValues("returned").Inc() }

func (m *PrometheusMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		m.confirms.WithLabelValues("ack").Inc()
	} else {
		m.confirms.WithLabelValues("nack").Inc()
	}
}
