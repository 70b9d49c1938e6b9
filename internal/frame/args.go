package frame

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

// MethodArgs reads method arguments in declared order.
type MethodArgs struct {
	buf  *bytes.Reader
	bits byte
	bit  uint
}

// NewMethodArgs creates a new MethodArgs from a byte slice
func NewMethodArgs(data []byte) *MethodArgs {
	return &MethodArgs{buf: bytes.NewReader(data), bit: 8}
}

// ReadBit reads the next packed bit. Consecutive bits share an octet, LSB first.
func (ma *MethodArgs) ReadBit() (bool, error) {
	if ma.bit == 8 {
		b, err := ma.buf.ReadByte()
		if err != nil {
			return false, err
		}
		ma.bits, ma.bit = b, 0
	}
	v := ma.bits&(1<<ma.bit) != 0
	ma.bit++
	return v, nil
}

// ReadUint8 reads a uint8 value
func (ma *MethodArgs) ReadUint8() (uint8, error) {
	ma.bit = 8
	return ma.buf.ReadByte()
}

// ReadUint16 reads a uint16 value
func (ma *MethodArgs) ReadUint16() (uint16, error) {
	var v uint16
	ma.bit = 8
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

// ReadUint32 reads a uint32 value
func (ma *MethodArgs) ReadUint32() (uint32, error) {
	var v uint32
	ma.bit = 8
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

// ReadUint64 reads a uint64 value
func (ma *MethodArgs) ReadUint64() (uint64, error) {
	var v uint64
	ma.bit = 8
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

// ReadShortString reads a short string
func (ma *MethodArgs) ReadShortString() (string, error) {
	ma.bit = 8
	return protocol.ReadShortString(ma.buf)
}

// ReadLongString reads a long string
func (ma *MethodArgs) ReadLongString() (string, error) {
	ma.bit = 8
	data, err := protocol.ReadLongString(ma.buf)
	return string(data), err
}

// ReadTable reads a field table
func (ma *MethodArgs) ReadTable() (protocol.Table, error) {
	ma.bit = 8
	return protocol.ReadTable(ma.buf)
}

// Remaining returns the number of unread bytes.
func (ma *MethodArgs) Remaining() int {
	return ma.buf.Len()
}

// Read decodes one field of the given type.
func (ma *MethodArgs) Read(t protocol.FieldType) (any, error) {
	switch t {
	case protocol.Octet:
		return ma.ReadUint8()
	case protocol.Short:
		return ma.ReadUint16()
	case protocol.Long:
		return ma.ReadUint32()
	case protocol.LongLong:
		return ma.ReadUint64()
	case protocol.ShortStr:
		return ma.ReadShortString()
	case protocol.LongStr:
		return ma.ReadLongString()
	case protocol.Bit:
		return ma.ReadBit()
	case protocol.FieldTable:
		return ma.ReadTable()
	case protocol.Timestamp:
		v, err := ma.ReadUint64()
		return time.Unix(int64(v), 0).UTC(), err
	default:
		return nil, errors.Errorf("unknown field type %d", t)
	}
}

// DecodeArguments decodes arguments laid out as spec declares them.
func DecodeArguments(spec *protocol.MethodSpec, data []byte) (protocol.Arguments, error) {
	ma := NewMethodArgs(data)
	args := make(protocol.Arguments, len(spec.Fields))

	for _, f := range spec.Fields {
		v, err := ma.Read(f.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: read %s %q", spec.Name, f.Type, f.Name)
		}
		args[f.Name] = v
	}

	return args, nil
}

// MethodArgsBuilder writes method arguments in declared order.
type MethodArgsBuilder struct {
	buf     *bytes.Buffer
	bits    byte
	bit     uint
	pending bool
}

// NewMethodArgsBuilder creates a new MethodArgsBuilder
func NewMethodArgsBuilder() *MethodArgsBuilder {
	return &MethodArgsBuilder{buf: new(bytes.Buffer)}
}

// WriteBit packs a bit into the current octet, LSB first, 8 bits per byte.
func (mab *MethodArgsBuilder) WriteBit(v bool) {
	if v {
		mab.bits |= 1 << mab.bit
	}
	mab.bit++
	mab.pending = true
	if mab.bit == 8 {
		mab.flushBits()
	}
}

func (mab *MethodArgsBuilder) flushBits() {
	if mab.pending {
		mab.buf.WriteByte(mab.bits)
	}
	mab.bits, mab.bit, mab.pending = 0, 0, false
}

// WriteUint8 writes a uint8 value
func (mab *MethodArgsBuilder) WriteUint8(v uint8) {
	mab.flushBits()
	mab.buf.WriteByte(v)
}

// WriteUint16 writes a uint16 value
func (mab *MethodArgsBuilder) WriteUint16(v uint16) {
	mab.flushBits()
	mab.buf.Write(binary.BigEndian.AppendUint16(nil, v))
}

// WriteUint32 writes a uint32 value
func (mab *MethodArgsBuilder) WriteUint32(v uint32) {
	mab.flushBits()
	mab.buf.Write(binary.BigEndian.AppendUint32(nil, v))
}

// WriteUint64 writes a uint64 value
func (mab *MethodArgsBuilder) WriteUint64(v uint64) {
	mab.flushBits()
	mab.buf.Write(binary.BigEndian.AppendUint64(nil, v))
}

// WriteShortString writes a short string
func (mab *MethodArgsBuilder) WriteShortString(s string) error {
	mab.flushBits()
	return protocol.WriteShortString(mab.buf, s)
}

// WriteLongString writes a long string
func (mab *MethodArgsBuilder) WriteLongString(data []byte) error {
	mab.flushBits()
	return protocol.WriteLongString(mab.buf, data)
}

// WriteTable writes a field table
func (mab *MethodArgsBuilder) WriteTable(table protocol.Table) error {
	mab.flushBits()
	return protocol.WriteTable(mab.buf, table)
}

// Write encodes one field of the given type. A nil value encodes the zero value.
func (mab *MethodArgsBuilder) Write(t protocol.FieldType, value any) error {
	switch t {
	case protocol.Octet, protocol.Short, protocol.Long, protocol.LongLong:
		n, ok := toUint64(value)
		if !ok {
			return errors.Errorf("want integer, got %T", value)
		}
		switch t {
		case protocol.Octet:
			mab.WriteUint8(uint8(n))
		case protocol.Short:
			mab.WriteUint16(uint16(n))
		case protocol.Long:
			mab.WriteUint32(uint32(n))
		default:
			mab.WriteUint64(n)
		}
		return nil
	case protocol.ShortStr:
		switch v := value.(type) {
		case nil:
			return mab.WriteShortString("")
		case string:
			return mab.WriteShortString(v)
		}
	case protocol.LongStr:
		switch v := value.(type) {
		case nil:
			return mab.WriteLongString(nil)
		case string:
			return mab.WriteLongString([]byte(v))
		case []byte:
			return mab.WriteLongString(v)
		}
	case protocol.Bit:
		switch v := value.(type) {
		case nil:
			mab.WriteBit(false)
			return nil
		case bool:
			mab.WriteBit(v)
			return nil
		}
	case protocol.FieldTable:
		switch v := value.(type) {
		case nil:
			return mab.WriteTable(nil)
		case protocol.Table:
			return mab.WriteTable(v)
		case map[string]any:
			return mab.WriteTable(protocol.Table(v))
		}
	case protocol.Timestamp:
		switch v := value.(type) {
		case nil:
			mab.WriteUint64(0)
			return nil
		case time.Time:
			mab.WriteUint64(uint64(v.Unix()))
			return nil
		}
	default:
		return errors.Errorf("unknown field type %d", t)
	}
	return errors.Errorf("want %s, got %T", t, value)
}

// Bytes returns the built argument bytes
func (mab *MethodArgsBuilder) Bytes() []byte {
	mab.flushBits()
	return mab.buf.Bytes()
}

// EncodeArguments encodes args in the field order spec declares.
func EncodeArguments(spec *protocol.MethodSpec, args protocol.Arguments) ([]byte, error) {
	mab := NewMethodArgsBuilder()
	for _, f := range spec.Fields {
		if err := mab.Write(f.Type, args[f.Name]); err != nil {
			return nil, errors.Wrapf(err, "%s: field %q", spec.Name, f.Name)
		}
	}
	return mab.Bytes(), nil
}

func toUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		return uint64(v), v >= 0
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}
