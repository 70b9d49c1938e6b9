package rabbitmq

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// Error represents an AMQP error
type Error struct {
	Code    int
	Reason  string
	Server  bool // true if error originated from server
	Recover bool // true if connection/channel can be recovered
}

// Error implements the error interface
func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	return fmt.Sprintf("AMQP error %d (%s): %s", e.Code, origin, e.Reason)
}

// Predefined errors matching AMQP reply codes
var (
	ErrClosed = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "connection closed",
	}

	ErrChannelClosed = &Error{
		Code:   protocol.ReplyChannelError,
		Reason: "channel closed",
	}

	ErrNotFound = &Error{
		Code:   protocol.ReplyNotFound,
		Reason: "resource not found",
		Server: true,
	}

	ErrAccessRefused = &Error{
		Code:   protocol.ReplyAccessRefused,
		Reason: "access refused",
		Server: true,
	}

	ErrPreconditionFailed = &Error{
		Code:   protocol.ReplyPreconditionFailed,
		Reason: "precondition failed",
		Server: true,
	}

	ErrUnexpectedFrame = &Error{
		Code:   protocol.ReplyUnexpectedFrame,
		Reason: "unexpected frame",
	}

	ErrNotImplemented = &Error{
		Code:   protocol.ReplyNotImplemented,
		Reason: "not implemented",
	}

	ErrNoRoute = &Error{
		Code:   protocol.ReplyNoRoute,
		Reason: "no route",
		Server: true,
	}
)

// Engine failures that carry no reply code of their own.
var (
	ErrIncompatibleProtocolVersion = errors.New("incompatible protocol version")
	ErrAuthentication              = errors.New("authentication failed")
	ErrProbableAuthentication      = errors.New("probable authentication error")
	ErrProbableAccessDenied        = errors.New("probable access denied")
	ErrNoFreeChannels              = errors.New("no free channels")
	ErrDuplicateConsumerTag        = errors.New("duplicate consumer tag")
	ErrBodyTooLong                 = errors.New("received more content than declared in header")
	ErrGetInProgress               = errors.New("basic.get already in progress")
	ErrPublishNacked               = errors.New("message nacked by broker")
	ErrUnroutable                  = errors.New("message returned as unroutable")
	ErrWouldBlock                  = errors.New("operation would block")

	// ErrInvalidFrameFormat is the frame codec's hard decode failure.
	ErrInvalidFrameFormat = frame.ErrInvalidFrameFormat
)

// NewError creates a new Error from reply code and text
func NewError(code int, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: code != protocol.ReplyConnectionForced && code < 500,
	}
}

// ChannelClosedError is returned by operations that fail because their
// channel closed. errors.Is(err, ErrChannelClosed) holds for it.
type ChannelClosedError struct {
	Channel uint16
	Cause   error
}

func (e *ChannelClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("channel %d closed", e.Channel)
	}
	return fmt.Sprintf("channel %d closed: %v", e.Channel, e.Cause)
}

func (e *ChannelClosedError) Unwrap() error { return e.Cause }

func (e *ChannelClosedError) Is(target error) bool { return target == ErrChannelClosed }

// ConnectionClosedError is returned by operations that fail because the
// connection closed. errors.Is(err, ErrClosed) holds for it.
type ConnectionClosedError struct {
	Cause error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause == nil {
		return "connection closed"
	}
	return fmt.Sprintf("connection closed: %v", e.Cause)
}

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

func (e *ConnectionClosedError) Is(target error) bool { return target == ErrClosed }

// ReplyCode extracts the AMQP reply code and text carried by err, if any.
func ReplyCode(err error) (int, string, bool) {
	var amqpErr *Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code, amqpErr.Reason, true
	}
	return 0, "", false
}

func isNormalClose(err error) bool {
	code, _, ok := ReplyCode(err)
	return ok && code == protocol.ReplySuccess
}

// ErrorHandler receives errors raised by application callbacks and by
// asynchronous closes
type ErrorHandler interface {
	HandleConnectionError(conn *Connection, err error)
	HandleChannelError(ch *Channel, err error)
	HandleConsumerError(ch *Channel, consumerTag string, err error)
}

// DefaultErrorHandler logs every error it receives
type DefaultErrorHandler struct {
	Logger zerolog.Logger
}

// HandleConnectionError logs connection errors
func (deh *DefaultErrorHandler) HandleConnectionError(conn *Connection, err error) {
	deh.Logger.Error().Err(err).Msg("connection error")
}

// HandleChannelError logs channel errors
func (deh *DefaultErrorHandler) HandleChannelError(ch *Channel, err error) {
	deh.Logger.Warn().Err(err).Uint16("channel", ch.Number()).Msg("channel error")
}

// HandleConsumerError logs consumer errors
func (deh *DefaultErrorHandler) HandleConsumerError(ch *Channel, consumerTag string, err error) {
	deh.Logger.Error().Err(err).Uint16("channel", ch.Number()).Str("consumer_tag", consumerTag).Msg("consumer error")
}
