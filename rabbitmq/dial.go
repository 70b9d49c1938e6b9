package rabbitmq

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// dial opens the transport, retrying up to ConnectionAttempts times with
// RetryDelay between attempts.
func dial(ctx context.Context, p *ConnectionParameters, log zerolog.Logger) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.SocketTimeout}
	addr := p.Address()
	attempt := 0

	operation := func() (net.Conn, error) {
		attempt++
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if !p.TLS {
			return conn, nil
		}

		cfg := p.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: p.Host}
		}
		tlsConn := tls.Client(conn, cfg)
		hsCtx, cancel := context.WithTimeout(ctx, p.SocketTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(hsCtx); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "tls handshake")
		}
		return tlsConn, nil
	}

	conn, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(p.RetryDelay)),
		backoff.WithMaxTries(uint(p.ConnectionAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("connect failed")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s after %d attempt(s)", addr, attempt)
	}
	log.Debug().Int("attempt", attempt).Msg("transport connected")
	return conn, nil
}
