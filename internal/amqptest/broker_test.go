package amqptest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

func TestTopicMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.*", "order.created", true},
		{"order.*", "order.created.eu", false},
		{"order.#", "order.created.eu", true},
		{"order.#", "order", true},
		{"#", "", true},
		{"#", "a.b.c", true},
		{"*.created", "user.created", true},
		{"*.created", "created", false},
		{"#.eu", "order.created.eu", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"", "", true},
		{"", "a", false},
	}
	for _, tt := range tests {
		got := matches(protocol.ExchangeTypeTopic, tt.pattern, tt.key)
		assert.Equal(t, tt.want, got, "%q ~ %q", tt.pattern, tt.key)
	}
}

func TestMatchesDirectAndFanout(t *testing.T) {
	assert.True(t, matches(protocol.ExchangeTypeDirect, "k", "k"))
	assert.False(t, matches(protocol.ExchangeTypeDirect, "k", "K"))
	assert.True(t, matches(protocol.ExchangeTypeFanout, "ignored", "anything"))
}

func TestBrokerLifecycle(t *testing.T) {
	b := New(t)
	assert.NotZero(t, b.Port())
	assert.Contains(t, b.URI(), b.Addr())
	assert.Equal(t, -1, b.QueueDepth("absent"))
	assert.False(t, b.DeleteQueue("absent"))
	assert.Zero(t, b.Connections())
	assert.Empty(t, b.Methods())
}
