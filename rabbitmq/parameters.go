package rabbitmq

import (
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-engine/internal/logging"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

const (
	DefaultPort    = 5672
	DefaultTLSPort = 5671

	productName    = "rabbit-engine"
	productVersion = "0.3.0"
)

// ConnectionParameters configure a connection. They are copied when a
// connection is created, so changing them later has no effect on it.
type ConnectionParameters struct {
	// Connection settings
	Host        string
	Port        int // 0 selects 5672, or 5671 with TLS
	VirtualHost string
	Credentials Credentials

	// TLS configuration, blocking adapter only
	TLS       bool
	TLSConfig *tls.Config

	// AMQP tuning. Zero accepts the server's value.
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  time.Duration

	// Socket setup
	ConnectionAttempts int
	RetryDelay         time.Duration
	SocketTimeout      time.Duration

	BackpressureDetection  bool
	BackpressureMultiplier int

	Locale           string
	ClientProperties Table

	Logger       *zerolog.Logger
	Metrics      MetricsCollector
	ErrorHandler ErrorHandler
}

// NewConnectionParameters creates parameters with sensible defaults
func NewConnectionParameters(opts ...Option) *ConnectionParameters {
	p := &ConnectionParameters{
		Host:                   "localhost",
		VirtualHost:            "/",
		Credentials:            PlainCredentials{Username: "guest", Password: "guest"},
		ChannelMax:             protocol.ChannelMaxDefault,
		FrameMax:               protocol.FrameMaxDefault,
		ConnectionAttempts:     1,
		RetryDelay:             2 * time.Second,
		SocketTimeout:          10 * time.Second,
		BackpressureMultiplier: 10,
		Locale:                 "en_US",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Address returns host:port, resolving the default port.
func (p *ConnectionParameters) Address() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
		if p.TLS {
			port = DefaultTLSPort
		}
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// Validate validates the parameters
func (p *ConnectionParameters) Validate() error {
	if p.Host == "" {
		return errors.New("host cannot be empty")
	}
	if p.Port < 0 || p.Port > 65535 {
		return errors.Errorf("port must be between 0 and 65535, got %d", p.Port)
	}
	if p.VirtualHost == "" {
		return errors.New("virtual host cannot be empty")
	}
	if p.Credentials == nil {
		return errors.New("credentials cannot be nil")
	}
	// 0 means the server decides, 4096 is the protocol minimum
	if p.FrameMax != 0 && p.FrameMax < protocol.FrameMinSize {
		return errors.Errorf("frame max must be 0 or >= %d, got %d", protocol.FrameMinSize, p.FrameMax)
	}
	if p.Heartbeat < 0 {
		return errors.Errorf("heartbeat cannot be negative, got %v", p.Heartbeat)
	}
	if p.Heartbeat%time.Second != 0 {
		return errors.Errorf("heartbeat must be a whole number of seconds, got %v", p.Heartbeat)
	}
	if p.ConnectionAttempts < 1 {
		return errors.Errorf("connection attempts must be at least 1, got %d", p.ConnectionAttempts)
	}
	if p.RetryDelay < 0 {
		return errors.Errorf("retry delay cannot be negative, got %v", p.RetryDelay)
	}
	if p.SocketTimeout <= 0 {
		return errors.Errorf("socket timeout must be positive, got %v", p.SocketTimeout)
	}
	if p.BackpressureMultiplier < 1 {
		return errors.Errorf("backpressure multiplier must be at least 1, got %d", p.BackpressureMultiplier)
	}
	if p.Locale == "" {
		return errors.New("locale cannot be empty")
	}
	return nil
}

func (p *ConnectionParameters) clone() *ConnectionParameters {
	cp := *p
	if p.ClientProperties != nil {
		cp.ClientProperties = make(Table, len(p.ClientProperties))
		for k, v := range p.ClientProperties {
			cp.ClientProperties[k] = v
		}
	}
	return &cp
}

func (p *ConnectionParameters) logger() zerolog.Logger {
	if p.Logger != nil {
		return *p.Logger
	}
	return logging.Component("amqp")
}

func (p *ConnectionParameters) metrics() MetricsCollector {
	if p.Metrics != nil {
		return p.Metrics
	}
	return &NoOpMetricsCollector{}
}

// clientProperties merges user properties over the defaults.
func (p *ConnectionParameters) clientProperties() Table {
	props := defaultClientProperties()
	for k, v := range p.ClientProperties {
		props[k] = v
	}
	return props
}

func defaultClientProperties() Table {
	return Table{
		"product":     productName,
		"version":     productVersion,
		"platform":    fmt.Sprintf("Go %s", runtime.Version()),
		"information": "https://github.com/israelio/rabbit-engine",
		"capabilities": Table{
			protocol.CapabilityPublisherConfirms:          true,
			protocol.CapabilityExchangeExchangeBindings:   true,
			protocol.CapabilityBasicNack:                  true,
			protocol.CapabilityConsumerCancelNotify:       true,
			protocol.CapabilityConnectionBlocked:          true,
			protocol.CapabilityAuthenticationFailureClose: true,
		},
	}
}
