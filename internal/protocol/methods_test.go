package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodIDParts(t *testing.T) {
	id := NewMethodID(ClassQueue, 11)

	assert.Equal(t, QueueDeclareOk, id)
	assert.Equal(t, uint16(ClassQueue), id.ClassID())
	assert.Equal(t, uint16(11), id.MethodIndex())
	assert.Equal(t, "Queue.DeclareOk", id.String())
	assert.Equal(t, "Method(99.1)", NewMethodID(99, 1).String())
}

// TestMethodTableConsistency tests that every reply is itself a known method of the same class
func TestMethodTableConsistency(t *testing.T) {
	for id, spec := range methodTable {
		assert.Equal(t, id, spec.ID)
		assert.Equal(t, len(spec.Replies) > 0, spec.Synchronous, spec.Name)

		for _, reply := range spec.Replies {
			replySpec, ok := Lookup(reply)
			require.True(t, ok, "%s reply %d missing", spec.Name, reply)
			assert.Equal(t, id.ClassID(), reply.ClassID(), spec.Name)
			assert.False(t, replySpec.Synchronous, replySpec.Name)
		}
	}
}

func TestHasContent(t *testing.T) {
	for _, id := range []MethodID{BasicPublish, BasicDeliver, BasicGetOk, BasicReturn} {
		assert.True(t, HasContent(id), id.String())
	}
	assert.False(t, HasContent(BasicGetEmpty))
	assert.False(t, HasContent(NewMethodID(1, 1)))
}

func TestArgumentsAccessors(t *testing.T) {
	m := NewMethod(BasicDeliver, Arguments{
		"consumer-tag": "ctag",
		"delivery-tag": uint64(7),
		"redelivered":  true,
	})

	assert.Equal(t, "Basic.Deliver", m.Name())
	assert.Equal(t, "ctag", m.Args.Str("consumer-tag"))
	assert.Equal(t, uint64(7), m.Args.Uint64("delivery-tag"))
	assert.True(t, m.Args.Bool("redelivered"))
	assert.Equal(t, "", m.Args.Str("missing"))

	v, ok := m.FieldValue("consumer-tag")
	assert.True(t, ok)
	assert.Equal(t, "ctag", v)
	assert.True(t, m.Spec().HasField("exchange"))
}
