package rabbitmq

import (
	"sync/atomic"
)

// MetricsCollector collects metrics for client operations. Connections call
// it from the goroutine driving their I/O.
type MetricsCollector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	ConnectionError(err error)
	HeartbeatTimeout()
	BackpressureDetected()
	BytesTransferred(sent, received int)

	// Channel metrics
	ChannelOpened()
	ChannelClosed()
	ChannelError(err error)

	// Message metrics
	MessagePublished()
	MessageConsumed()
	MessageAcked()
	MessageNacked()
	MessageRejected()
	MessageReturned()

	// Publisher confirm metrics
	ConfirmReceived(ack bool)
}

// MetricsSnapshot is a point in time copy of StandardMetricsCollector.
type MetricsSnapshot struct {
	ConnectionsOpened    int64
	ConnectionsClosed    int64
	ConnectionErrors     int64
	HeartbeatTimeouts    int64
	BackpressureWarnings int64
	BytesSent            int64
	BytesReceived        int64
	ChannelsOpened       int64
	ChannelsClosed       int64
	ChannelErrors        int64
	MessagesPublished    int64
	MessagesConsumed     int64
	MessagesAcked        int64
	MessagesNacked       int64
	MessagesRejected     int64
	MessagesReturned     int64
	ConfirmsAcked        int64
	ConfirmsNacked       int64
}

// StandardMetricsCollector counts events in memory. It is safe to share
// between connections driven from different goroutines.
type StandardMetricsCollector struct {
	connectionsOpened    atomic.Int64
	connectionsClosed    atomic.Int64
	connectionErrors     atomic.Int64
	heartbeatTimeouts    atomic.Int64
	backpressureWarnings atomic.Int64
	bytesSent            atomic.Int64
	bytesReceived        atomic.Int64

	channelsOpened atomic.Int64
	channelsClosed atomic.Int64
	channelErrors  atomic.Int64

	messagesPublished atomic.Int64
	messagesConsumed  atomic.Int64
	messagesAcked     atomic.Int64
	messagesNacked    atomic.Int64
	messagesRejected  atomic.Int64
	messagesReturned  atomic.Int64

	confirmsAcked  atomic.Int64
	confirmsNacked atomic.Int64
}

// NewStandardMetricsCollector creates a new standard metrics collector
func NewStandardMetricsCollector() *StandardMetricsCollector {
	return &StandardMetricsCollector{}
}

func (m *StandardMetricsCollector) ConnectionOpened()     { m.connectionsOpened.Add(1) }
func (m *StandardMetricsCollector) ConnectionClosed()     { m.connectionsClosed.Add(1) }
func (m *StandardMetricsCollector) ConnectionError(error) { m.connectionErrors.Add(1) }
func (m *StandardMetricsCollector) HeartbeatTimeout()     { m.heartbeatTimeouts.Add(1) }
func (m *StandardMetricsCollector) BackpressureDetected() { m.backpressureWarnings.Add(1) }
func (m *StandardMetricsCollector) ChannelOpened()        { m.channelsOpened.Add(1) }
func (m *StandardMetricsCollector) ChannelClosed()        { m.channelsClosed.Add(1) }
func (m *StandardMetricsCollector) ChannelError(error)    { m.channelErrors.Add(1) }
func (m *StandardMetricsCollector) MessagePublished()     { m.messagesPublished.Add(1) }
func (m *StandardMetricsCollector) MessageConsumed()      { m.messagesConsumed.Add(1) }
func (m *StandardMetricsCollector) MessageAcked()         { m.messagesAcked.Add(1) }
func (m *StandardMetricsCollector) MessageNacked()        { m.messagesNacked.Add(1) }
func (m *StandardMetricsCollector) MessageRejected()      { m.messagesRejected.Add(1) }
func (m *StandardMetricsCollector) MessageReturned()      { m.messagesReturned.Add(1) }

func (m *StandardMetricsCollector) BytesTransferred(sent, received int) {
	m.bytesSent.Add(int64(sent))
	m.bytesReceived.Add(int64(received))
}

func (m *StandardMetricsCollector) ConfirmReceived(ack bool) {
	if ack {
		m.confirmsAcked.Add(1)
	} else {
		m.confirmsNacked.Add(1)
	}
}

// Snapshot returns the current counter values
func (m *StandardMetricsCollector) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectionsOpened:    m.connectionsOpened.Load(),
		ConnectionsClosed:    m.connectionsClosed.Load(),
		ConnectionErrors:     m.connectionErrors.Load(),
		HeartbeatTimeouts:    m.heartbeatTimeouts.Load(),
		BackpressureWarnings: m.backpressureWarnings.Load(),
		BytesSent:            m.bytesSent.Load(),
		BytesReceived:        m.bytesReceived.Load(),
		ChannelsOpened:       m.channelsOpened.Load(),
		ChannelsClosed:       m.channelsClosed.Load(),
		ChannelErrors:        m.channelErrors.Load(),
		MessagesPublished:    m.messagesPublished.Load(),
		MessagesConsumed:     m.messagesConsumed.Load(),
		MessagesAcked:        m.messagesAcked.Load(),
		MessagesNacked:       m.messagesNacked.Load(),
		MessagesRejected:     m.messagesRejected.Load(),
		MessagesReturned:     m.messagesReturned.Load(),
		ConfirmsAcked:        m.confirmsAcked.Load(),
		ConfirmsNacked:       m.confirmsNacked.Load(),
	}
}

// Reset zeroes every counter
func (m *StandardMetricsCollector) Reset() {
	*m = StandardMetricsCollector{}
}

// NoOpMetricsCollector discards everything
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) ConnectionOpened()         {}
func (NoOpMetricsCollector) ConnectionClosed()         {}
func (NoOpMetricsCollector) ConnectionError(error)     {}
func (NoOpMetricsCollector) HeartbeatTimeout()         {}
func (NoOpMetricsCollector) BackpressureDetected()     {}
func (NoOpMetricsCollector) BytesTransferred(int, int) {}
func (NoOpMetricsCollector) ChannelOpened()            {}
func (NoOpMetricsCollector) ChannelClosed()            {}
func (NoOpMetricsCollector) ChannelError(error)        {}
func (NoOpMetricsCollector) MessagePublished()         {}
func (NoOpMetricsCollector) MessageConsumed()          {}
func (NoOpMetricsCollector) MessageAcked()             {}
func (NoOpMetricsCollector) MessageNacked()            {}
func (NoOpMetricsCollector) MessageRejected()          {}
func (NoOpMetricsCollector) MessageReturned()          {}
func (NoOpMetricsCollector) ConfirmReceived(bool)      {}
