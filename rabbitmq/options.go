package rabbitmq

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"
)

// Option is a functional option for ConnectionParameters
type Option func(*ConnectionParameters)

// WithHost sets the host to connect to
func WithHost(host string) Option {
	return func(p *ConnectionParameters) {
		p.Host = host
	}
}

// WithPort sets the port to connect to
func WithPort(port int) Option {
	return func(p *ConnectionParameters) {
		p.Port = port
	}
}

// WithCredentials sets PLAIN credentials
func WithCredentials(username, password string) Option {
	return func(p *ConnectionParameters) {
		p.Credentials = PlainCredentials{Username: username, Password: password}
	}
}

// WithExternalAuth authenticates with the EXTERNAL mechanism
func WithExternalAuth() Option {
	return func(p *ConnectionParameters) {
		p.Credentials = ExternalCredentials{}
	}
}

// WithVirtualHost sets the virtual host
func WithVirtualHost(vhost string) Option {
	return func(p *ConnectionParameters) {
		p.VirtualHost = vhost
	}
}

// WithTLS enables TLS with the given configuration
func WithTLS(config *tls.Config) Option {
	return func(p *ConnectionParameters) {
		p.TLS = true
		p.TLSConfig = config
	}
}

// WithHeartbeat sets the requested heartbeat interval
func WithHeartbeat(interval time.Duration) Option {
	return func(p *ConnectionParameters) {
		p.Heartbeat = interval
	}
}

// WithChannelMax sets the maximum number of channels
func WithChannelMax(max uint16) Option {
	return func(p *ConnectionParameters) {
		p.ChannelMax = max
	}
}

// WithFrameMax sets the maximum frame size
func WithFrameMax(max uint32) Option {
	return func(p *ConnectionParameters) {
		p.FrameMax = max
	}
}

// WithConnectionAttempts sets how often connecting is tried and the delay between attempts
func WithConnectionAttempts(attempts int, retryDelay time.Duration) Option {
	return func(p *ConnectionParameters) {
		p.ConnectionAttempts = attempts
		p.RetryDelay = retryDelay
	}
}

// WithSocketTimeout bounds dialing and blocking writes
func WithSocketTimeout(timeout time.Duration) Option {
	return func(p *ConnectionParameters) {
		p.SocketTimeout = timeout
	}
}

// WithBackpressureDetection enables warnings when outbound data piles up
func WithBackpressureDetection(multiplier int) Option {
	return func(p *ConnectionParameters) {
		p.BackpressureDetection = true
		if multiplier > 0 {
			p.BackpressureMultiplier = multiplier
		}
	}
}

// WithLocale sets the locale sent in Connection.StartOk
func WithLocale(locale string) Option {
	return func(p *ConnectionParameters) {
		p.Locale = locale
	}
}

// WithClientProperties sets custom client properties
func WithClientProperties(properties Table) Option {
	return func(p *ConnectionParameters) {
		if p.ClientProperties == nil {
			p.ClientProperties = make(Table)
		}
		for k, v := range properties {
			p.ClientProperties[k] = v
		}
	}
}

// WithClientProperty sets a single client property
func WithClientProperty(key string, value any) Option {
	return func(p *ConnectionParameters) {
		if p.ClientProperties == nil {
			p.ClientProperties = make(Table)
		}
		p.ClientProperties[key] = value
	}
}

// WithErrorHandler sets a custom error handler
func WithErrorHandler(handler ErrorHandler) Option {
	return func(p *ConnectionParameters) {
		p.ErrorHandler = handler
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector MetricsCollector) Option {
	return func(p *ConnectionParameters) {
		p.Metrics = collector
	}
}

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(p *ConnectionParameters) {
		p.Logger = &logger
	}
}
