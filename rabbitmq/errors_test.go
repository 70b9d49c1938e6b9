package rabbitmq

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

func TestNewErrorRecoverability(t *testing.T) {
	tests := []struct {
		code        int
		wantRecover bool
	}{
		{protocol.ReplyNoRoute, true},
		{protocol.ReplyNotFound, true},
		{protocol.ReplyConnectionForced, false},
		{protocol.ReplyFrameError, false},
		{protocol.ReplyUnexpectedFrame, false},
	}
	for _, tt := range tests {
		err := NewError(tt.code, "text", true)
		assert.Equal(t, tt.wantRecover, err.Recover, "code %d", tt.code)
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "AMQP error 404 (server): NOT_FOUND", NewError(404, "NOT_FOUND", true).Error())
	assert.Equal(t, "AMQP error 200 (client): bye", NewError(200, "bye", false).Error())
}

func TestReplyCodeThroughWrapping(t *testing.T) {
	cause := NewError(406, "PRECONDITION_FAILED - inequivalent arg", true)
	err := errors.Wrap(&ChannelClosedError{Channel: 3, Cause: cause}, "declare")

	code, text, ok := ReplyCode(err)
	require.True(t, ok)
	assert.Equal(t, 406, code)
	assert.Contains(t, text, "inequivalent")
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.NotErrorIs(t, err, ErrClosed)

	_, _, ok = ReplyCode(errors.New("plain"))
	assert.False(t, ok)
}

func TestClosedErrors(t *testing.T) {
	connErr := &ConnectionClosedError{Cause: NewError(320, "shutdown", true)}
	assert.ErrorIs(t, connErr, ErrClosed)
	assert.Equal(t, "connection closed: AMQP error 320 (server): shutdown", connErr.Error())
	assert.Equal(t, "connection closed", (&ConnectionClosedError{}).Error())

	chErr := &ChannelClosedError{Channel: 2}
	assert.ErrorIs(t, chErr, ErrChannelClosed)
	assert.Equal(t, "channel 2 closed", chErr.Error())
}

func TestIsNormalClose(t *testing.T) {
	assert.True(t, isNormalClose(NewError(protocol.ReplySuccess, "Normal shutdown", false)))
	assert.True(t, isNormalClose(&ConnectionClosedError{Cause: NewError(200, "", true)}))
	assert.False(t, isNormalClose(NewError(320, "forced", true)))
	assert.False(t, isNormalClose(errors.New("eof")))
	assert.False(t, isNormalClose(nil))
}

func TestDefaultErrorHandlerLogs(t *testing.T) {
	var buf bytes.Buffer
	handler := &DefaultErrorHandler{Logger: zerolog.New(&buf)}

	h := newHarness(t)
	h.open()
	ch := h.openChannel()

	handler.HandleConnectionError(h.conn, errors.New("conn boom"))
	handler.HandleChannelError(ch, errors.New("chan boom"))
	handler.HandleConsumerError(ch, "ctag-1", errors.New("consumer boom"))

	out := buf.String()
	assert.Contains(t, out, `"error":"conn boom"`)
	assert.Contains(t, out, `"channel":1`)
	assert.Contains(t, out, `"consumer_tag":"ctag-1"`)
}
