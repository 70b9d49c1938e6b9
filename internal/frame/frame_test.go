package frame

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

func roundTrip(t *testing.T, f Frame) Frame {
	t.Helper()

	data, err := f.Marshal()
	require.NoError(t, err)

	decoded, n, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, decoded)
	assert.Equal(t, len(data), n)
	return decoded
}

// TestFrameRoundTrip tests encoding and decoding each frame kind
func TestFrameRoundTrip(t *testing.T) {
	t.Run("protocol header", func(t *testing.T) {
		decoded := roundTrip(t, NewProtocolHeader())
		assert.Equal(t, &ProtocolHeader{Major: 0, Minor: 9, Revision: 1}, decoded)
	})

	t.Run("method frame", func(t *testing.T) {
		f := NewMethodFrame(3, protocol.BasicDeliver, protocol.Arguments{
			"consumer-tag": "ctag1.abc",
			"delivery-tag": uint64(1),
			"redelivered":  true,
			"exchange":     "e",
			"routing-key":  "k",
		})
		assert.Equal(t, f, roundTrip(t, f))
	})

	t.Run("method frame with table", func(t *testing.T) {
		f := NewMethodFrame(0, protocol.ConnectionStart, protocol.Arguments{
			"version-major":     uint8(0),
			"version-minor":     uint8(9),
			"server-properties": protocol.Table{"product": "RabbitMQ", "capabilities": protocol.Table{"publisher_confirms": true}},
			"mechanisms":        "PLAIN AMQPLAIN",
			"locales":           "en_US",
		})
		assert.Equal(t, f, roundTrip(t, f))
	})

	t.Run("header frame", func(t *testing.T) {
		f := NewHeaderFrame(1, 1024, protocol.Properties{
			ContentType:  "text/plain",
			DeliveryMode: protocol.DeliveryModePersistent,
			Timestamp:    time.Unix(1700000000, 0).UTC(),
		})
		assert.Equal(t, f, roundTrip(t, f))
	})

	t.Run("body frame", func(t *testing.T) {
		f := NewBodyFrame(1, []byte("Hello, RabbitMQ!"))
		assert.Equal(t, f, roundTrip(t, f))
	})

	t.Run("heartbeat frame", func(t *testing.T) {
		decoded := roundTrip(t, &HeartbeatFrame{})
		assert.IsType(t, &HeartbeatFrame{}, decoded)
		assert.Equal(t, uint16(0), decoded.Channel())
	})
}

// TestDecodeNeedsMoreData tests that every truncation reports "need more data"
func TestDecodeNeedsMoreData(t *testing.T) {
	frames := []Frame{
		NewProtocolHeader(),
		NewMethodFrame(1, protocol.QueueDeclareOk, protocol.Arguments{"queue": "q"}),
		NewBodyFrame(1, []byte("payload")),
	}

	for _, f := range frames {
		data, err := f.Marshal()
		require.NoError(t, err)

		for i := 0; i < len(data); i++ {
			decoded, n, err := Decode(data[:i])
			require.NoError(t, err, "%s truncated to %d", f, i)
			assert.Nil(t, decoded)
			assert.Zero(t, n)
		}
	}
}

// TestDecodeConsumesOneFrame tests that trailing bytes are left alone
func TestDecodeConsumesOneFrame(t *testing.T) {
	first, err := NewBodyFrame(1, []byte("a")).Marshal()
	require.NoError(t, err)
	second, err := (&HeartbeatFrame{}).Marshal()
	require.NoError(t, err)

	buf := append(append([]byte{}, first...), second...)

	f, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(first), n)
	assert.IsType(t, &BodyFrame{}, f)

	f, n, err = Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, len(second), n)
	assert.IsType(t, &HeartbeatFrame{}, f)
}

// TestDecodeBadEndMarker tests that a wrong end marker is a hard failure
func TestDecodeBadEndMarker(t *testing.T) {
	data, err := NewBodyFrame(1, []byte("abc")).Marshal()
	require.NoError(t, err)
	data[len(data)-1] = 0x00

	f, n, err := Decode(data)
	assert.Nil(t, f)
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, ErrInvalidFrameFormat))

	// A declared length that runs past the real payload lands on a payload byte.
	data, err = NewBodyFrame(1, []byte("abcdef")).Marshal()
	require.NoError(t, err)
	data[6] = 2
	_, _, err = Decode(data)
	assert.True(t, errors.Is(err, ErrInvalidFrameFormat))
}

func TestDecodeInvalidFrames(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"unknown frame type", []byte{9, 0, 0, 0, 0, 0, 0, 0xCE}},
		{"unknown method", []byte{1, 0, 0, 0, 0, 0, 4, 0, 99, 0, 1, 0xCE}},
		{"short method payload", []byte{1, 0, 0, 0, 0, 0, 2, 0, 10, 0xCE}},
		{"bad protocol header", []byte("AMQX0091")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data)
			assert.True(t, errors.Is(err, ErrInvalidFrameFormat), "got %v", err)
		})
	}
}

// TestDecodeInvalidFieldTag tests that a bad table tag keeps both error kinds
func TestDecodeInvalidFieldTag(t *testing.T) {
	f := NewMethodFrame(1, protocol.QueueBind, protocol.Arguments{"arguments": protocol.Table{"k": "v"}})
	data, err := f.Marshal()
	require.NoError(t, err)
	idx := bytes.Index(data, []byte{1, 'k', 'S'})
	require.Greater(t, idx, 0)
	data[idx+2] = 'Z'

	_, _, err = Decode(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFrameFormat))

	var invalid *protocol.InvalidFieldTypeError
	assert.True(t, errors.As(err, &invalid))
}

// TestMethodArgsBitPacking tests that consecutive bits share one octet
func TestMethodArgsBitPacking(t *testing.T) {
	spec, ok := protocol.Lookup(protocol.QueueDeclare)
	require.True(t, ok)

	data, err := EncodeArguments(spec, protocol.Arguments{
		"queue":       "q",
		"durable":     true,
		"auto-delete": true,
	})
	require.NoError(t, err)

	// ticket(2) + shortstr(2) + bits(1) + empty table(4)
	require.Len(t, data, 9)
	assert.Equal(t, byte(0b01010), data[4])

	args, err := DecodeArguments(spec, data)
	require.NoError(t, err)
	assert.Equal(t, "q", args.Str("queue"))
	assert.False(t, args.Bool("passive"))
	assert.True(t, args.Bool("durable"))
	assert.False(t, args.Bool("exclusive"))
	assert.True(t, args.Bool("auto-delete"))
	assert.False(t, args.Bool("nowait"))
	assert.Equal(t, protocol.Table{}, args.Table("arguments"))
}

func TestMethodArgsWrongType(t *testing.T) {
	spec, _ := protocol.Lookup(protocol.BasicQos)

	_, err := EncodeArguments(spec, protocol.Arguments{"prefetch-count": "ten"})
	assert.Error(t, err)

	_, err = EncodeArguments(spec, protocol.Arguments{"global": 1})
	assert.Error(t, err)
}

// TestStreamReaderWriter tests frames through the stream reader and writer
func TestStreamReaderWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteFrame(NewProtocolHeader()))
	require.NoError(t, w.WriteFrame(
		NewMethodFrame(1, protocol.BasicPublish, protocol.Arguments{"routing-key": "k"}),
		NewHeaderFrame(1, 5, protocol.Properties{}),
		NewBodyFrame(1, []byte("hello")),
	))

	r := NewReader(&buf, 0)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	assert.IsType(t, &ProtocolHeader{}, f)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.BasicPublish, f.(*MethodFrame).Method.ID)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), f.(*HeaderFrame).BodySize)

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), f.(*BodyFrame).Fragment)

	_, err = r.ReadFrame()
	assert.Error(t, err)
}

func TestReaderRejectsOversizedFrame(t *testing.T) {
	data, err := NewBodyFrame(1, make([]byte, 100)).Marshal()
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(data), 50)
	_, err = r.ReadFrame()
	assert.True(t, errors.Is(err, ErrInvalidFrameFormat))
}

func BenchmarkDecodeMethodFrame(b *testing.B) {
	data, _ := NewMethodFrame(1, protocol.BasicDeliver, protocol.Arguments{
		"consumer-tag": "ctag",
		"delivery-tag": uint64(42),
		"exchange":     "amq.direct",
		"routing-key":  "key",
	}).Marshal()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = Decode(data)
	}
}
