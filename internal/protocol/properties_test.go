package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPropertiesRoundTrip tests message properties encoding
func TestPropertiesRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		props Properties
	}{
		{
			name:  "empty properties",
			props: Properties{},
		},
		{
			name:  "content type only",
			props: Properties{ContentType: "application/json"},
		},
		{
			name: "full properties",
			props: Properties{
				ContentType:     "text/plain",
				ContentEncoding: "utf-8",
				Headers:         Table{"x-custom": "value", "x-retry": int32(3)},
				DeliveryMode:    DeliveryModePersistent,
				Priority:        5,
				CorrelationId:   "correlation-123",
				ReplyTo:         "reply-queue",
				Expiration:      "60000",
				MessageId:       "msg-456",
				Timestamp:       time.Unix(1234567890, 0).UTC(),
				Type:            "user.created",
				UserId:          "guest",
				AppId:           "my-app",
				ClusterId:       "cluster-a",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeProperties(tt.props)
			require.NoError(t, err)

			decoded, err := DecodeProperties(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.props, decoded)
		})
	}
}

func TestPropertyFlags(t *testing.T) {
	props := Properties{ContentType: "text/plain", DeliveryMode: 2, ClusterId: "c"}
	assert.Equal(t, uint16(FlagContentType|FlagDeliveryMode|FlagClusterId), props.Flags())

	encoded, err := EncodeProperties(props)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x04}, encoded[:2])
}

// TestChainedPropertyFlags tests that continuation flag words are consumed
func TestChainedPropertyFlags(t *testing.T) {
	// First word: content-type present, continuation bit set. Second word: empty.
	data := []byte{0x80, 0x01, 0x00, 0x00, 4, 't', 'e', 'x', 't'}

	props, err := DecodeProperties(data)
	require.NoError(t, err)
	assert.Equal(t, "text", props.ContentType)
}

func TestTruncatedProperties(t *testing.T) {
	_, err := DecodeProperties([]byte{0x80, 0x00, 10, 'a'})
	assert.Error(t, err)
}
