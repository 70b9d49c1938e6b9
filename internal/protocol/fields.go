package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Table represents an AMQP field table
type Table map[string]any

// ShortString is encoded with the 's' tag; plain strings use the long form.
type ShortString string

// Decimal is a fixed-point value: Value * 10^-Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// Float64 returns the decimal as a float.
func (d Decimal) Float64() float64 {
	return float64(d.Value) / math.Pow10(int(d.Scale))
}

func (d Decimal) String() string {
	return fmt.Sprintf("%.*f", d.Scale, d.Float64())
}

// UnsupportedFieldTypeError is returned when a value has no field encoding.
type UnsupportedFieldTypeError struct {
	Value any
}

func (e *UnsupportedFieldTypeError) Error() string {
	return fmt.Sprintf("unsupported field value type %T (%v)", e.Value, e.Value)
}

// InvalidFieldTypeError is returned when a decoded type tag is unknown.
type InvalidFieldTypeError struct {
	Tag byte
}

func (e *InvalidFieldTypeError) Error() string {
	return fmt.Sprintf("invalid field type tag %q (0x%02X)", e.Tag, e.Tag)
}

// ReadShortString reads a short string (max 255 bytes)
func ReadShortString(r io.Reader) (string, error) {
	var length uint8
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return "", err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}

	return string(buf), nil
}

// WriteShortString writes a short string
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return errors.Errorf("short string too long: %d", len(s))
	}

	if err := binary.Write(w, binary.BigEndian, uint8(len(s))); err != nil {
		return err
	}

	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a long string
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}

// WriteLongString writes a long string
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}

	_, err := w.Write(data)
	return err
}

// ReadTable reads a length-prefixed field table.
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, errors.Wrap(err, "read table")
	}

	table := make(Table)
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, errors.Wrap(err, "read table key")
		}

		value, err := ReadFieldValue(buf)
		if err != nil {
			return nil, errors.Wrapf(err, "read table value %q", name)
		}

		table[name] = value
	}

	return table, nil
}

// WriteTable writes a field table prefixed with its encoded length.
func WriteTable(w io.Writer, table Table) error {
	var buf bytes.Buffer

	for name, value := range table {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}

		if err := WriteFieldValue(&buf, value); err != nil {
			return errors.WithMessagef(err, "table key %q", name)
		}
	}

	return WriteLongString(w, buf.Bytes())
}

// ReadArray reads a length-prefixed field array.
func ReadArray(r io.Reader) ([]any, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, errors.Wrap(err, "read array")
	}

	values := []any{}
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		value, err := ReadFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}

	return values, nil
}

// WriteArray writes a field array prefixed with its encoded length.
func WriteArray(w io.Writer, values []any) error {
	var buf bytes.Buffer

	for _, value := range values {
		if err := WriteFieldValue(&buf, value); err != nil {
			return err
		}
	}

	return WriteLongString(w, buf.Bytes())
}

// ReadFieldValue reads a tagged field value.
func ReadFieldValue(r io.Reader) (any, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}

	switch tag[0] {
	case 't':
		var b uint8
		err := binary.Read(r, binary.BigEndian, &b)
		return b != 0, err

	case 'b':
		var v int8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'B':
		var v uint8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'U':
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'u':
		var v uint16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'I':
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'i':
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'l':
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'f':
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'd':
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err

	case 'D':
		var d Decimal
		if err := binary.Read(r, binary.BigEndian, &d.Scale); err != nil {
			return nil, err
		}
		err := binary.Read(r, binary.BigEndian, &d.Value)
		return d, err

	case 's':
		s, err := ReadShortString(r)
		return ShortString(s), err

	case 'S':
		data, err := ReadLongString(r)
		if err != nil {
			return nil, err
		}
		return string(data), nil

	case 'x':
		return ReadLongString(r)

	case 'T':
		var ts int64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, err
		}
		return time.Unix(ts, 0).UTC(), nil

	case 'F':
		return ReadTable(r)

	case 'A':
		return ReadArray(r)

	case 'V':
		return nil, nil

	default:
		return nil, errors.WithStack(&InvalidFieldTypeError{Tag: tag[0]})
	}
}

// WriteFieldValue writes a value preceded by its type tag.
func WriteFieldValue(w io.Writer, value any) error {
	put := func(tag byte, v any) error {
		if _, err := w.Write([]byte{tag}); err != nil {
			return err
		}
		if v == nil {
			return nil
		}
		return binary.Write(w, binary.BigEndian, v)
	}

	switch v := value.(type) {
	case bool:
		var b uint8
		if v {
			b = 1
		}
		return put('t', b)
	case int8:
		return put('b', v)
	case uint8:
		return put('B', v)
	case int16:
		return put('U', v)
	case uint16:
		return put('u', v)
	case int32:
		return put('I', v)
	case uint32:
		return put('i', v)
	case int64:
		return put('l', v)
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return put('I', int32(v))
		}
		return put('l', int64(v))
	case float32:
		return put('f', v)
	case float64:
		return put('d', v)
	case Decimal:
		if err := put('D', v.Scale); err != nil {
			return err
		}
		return binary.Write(w, binary.BigEndian, v.Value)
	case ShortString:
		if err := put('s', nil); err != nil {
			return err
		}
		return WriteShortString(w, string(v))
	case string:
		if err := put('S', nil); err != nil {
			return err
		}
		return WriteLongString(w, []byte(v))
	case []byte:
		if err := put('x', nil); err != nil {
			return err
		}
		return WriteLongString(w, v)
	case time.Time:
		return put('T', v.Unix())
	case Table:
		if err := put('F', nil); err != nil {
			return err
		}
		return WriteTable(w, v)
	case map[string]any:
		if err := put('F', nil); err != nil {
			return err
		}
		return WriteTable(w, Table(v))
	case []any:
		if err := put('A', nil); err != nil {
			return err
		}
		return WriteArray(w, v)
	case nil:
		return put('V', nil)
	default:
		return errors.WithStack(&UnsupportedFieldTypeError{Value: value})
	}
}
