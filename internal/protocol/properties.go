package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Properties are the Basic class content properties.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationId   string
	ReplyTo         string
	Expiration      string
	MessageId       string
	Timestamp       time.Time
	Type            string
	UserId          string
	AppId           string
	ClusterId       string
}

// Property flags in the first flag word. Bit 0 of every word marks a continuation.
const (
	FlagContentType     = 0x8000
	FlagContentEncoding = 0x4000
	FlagHeaders         = 0x2000
	FlagDeliveryMode    = 0x1000
	FlagPriority        = 0x0800
	FlagCorrelationId   = 0x0400
	FlagReplyTo         = 0x0200
	FlagExpiration      = 0x0100
	FlagMessageId       = 0x0080
	FlagTimestamp       = 0x0040
	FlagType            = 0x0020
	FlagUserId          = 0x0010
	FlagAppId           = 0x0008
	FlagClusterId       = 0x0004

	flagContinuation = 0x0001
)

// BasicPropertyFields is the ordered property layout of the Basic class.
var BasicPropertyFields = []Field{
	{"content-type", ShortStr},
	{"content-encoding", ShortStr},
	{"headers", FieldTable},
	{"delivery-mode", Octet},
	{"priority", Octet},
	{"correlation-id", ShortStr},
	{"reply-to", ShortStr},
	{"expiration", ShortStr},
	{"message-id", ShortStr},
	{"timestamp", Timestamp},
	{"type", ShortStr},
	{"user-id", ShortStr},
	{"app-id", ShortStr},
	{"cluster-id", ShortStr},
}

type shortProperty struct {
	flag uint16
	get  func(*Properties) *string
}

// shortStringProperties maps each short-string property flag to its field.
var shortStringProperties = []shortProperty{
	{FlagContentType, func(p *Properties) *string { return &p.ContentType }},
	{FlagContentEncoding, func(p *Properties) *string { return &p.ContentEncoding }},
	{FlagCorrelationId, func(p *Properties) *string { return &p.CorrelationId }},
	{FlagReplyTo, func(p *Properties) *string { return &p.ReplyTo }},
	{FlagExpiration, func(p *Properties) *string { return &p.Expiration }},
	{FlagMessageId, func(p *Properties) *string { return &p.MessageId }},
	{FlagType, func(p *Properties) *string { return &p.Type }},
	{FlagUserId, func(p *Properties) *string { return &p.UserId }},
	{FlagAppId, func(p *Properties) *string { return &p.AppId }},
	{FlagClusterId, func(p *Properties) *string { return &p.ClusterId }},
}

// Flags returns the presence flags for the set properties.
func (p *Properties) Flags() uint16 {
	var flags uint16
	for _, sp := range shortStringProperties {
		if *sp.get(p) != "" {
			flags |= sp.flag
		}
	}
	if len(p.Headers) > 0 {
		flags |= FlagHeaders
	}
	if p.DeliveryMode != 0 {
		flags |= FlagDeliveryMode
	}
	if p.Priority != 0 {
		flags |= FlagPriority
	}
	if !p.Timestamp.IsZero() {
		flags |= FlagTimestamp
	}
	return flags
}

// EncodeProperties encodes properties to wire format
func EncodeProperties(props Properties) ([]byte, error) {
	flags := props.Flags()
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, flags); err != nil {
		return nil, err
	}

	// Fields follow in declaration order, which is descending flag order.
	for bit := uint16(0x8000); bit > flagContinuation; bit >>= 1 {
		if flags&bit == 0 {
			continue
		}
		var err error
		switch bit {
		case FlagHeaders:
			err = WriteTable(&buf, props.Headers)
		case FlagDeliveryMode:
			err = buf.WriteByte(props.DeliveryMode)
		case FlagPriority:
			err = buf.WriteByte(props.Priority)
		case FlagTimestamp:
			err = binary.Write(&buf, binary.BigEndian, uint64(props.Timestamp.Unix()))
		default:
			err = WriteShortString(&buf, *shortStringFor(&props, bit))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "encode property 0x%04X", bit)
		}
	}

	return buf.Bytes(), nil
}

// DecodeProperties decodes a property list whose flag words may be chained.
func DecodeProperties(data []byte) (Properties, error) {
	props := Properties{}
	buf := bytes.NewReader(data)

	flags, err := readPropertyFlags(buf)
	if err != nil {
		return props, errors.Wrap(err, "read property flags")
	}

	for bit := uint16(0x8000); bit > flagContinuation; bit >>= 1 {
		if flags&bit == 0 {
			continue
		}
		switch bit {
		case FlagHeaders:
			props.Headers, err = ReadTable(buf)
		case FlagDeliveryMode:
			props.DeliveryMode, err = buf.ReadByte()
		case FlagPriority:
			props.Priority, err = buf.ReadByte()
		case FlagTimestamp:
			var ts uint64
			err = binary.Read(buf, binary.BigEndian, &ts)
			props.Timestamp = time.Unix(int64(ts), 0).UTC()
		default:
			*shortStringFor(&props, bit), err = ReadShortString(buf)
		}
		if err != nil {
			return props, errors.Wrapf(err, "decode property 0x%04X", bit)
		}
	}

	return props, nil
}

// readPropertyFlags returns the first flag word, consuming any continuation words.
func readPropertyFlags(r io.Reader) (uint16, error) {
	var first uint16
	for i := 0; ; i++ {
		var word uint16
		if err := binary.Read(r, binary.BigEndian, &word); err != nil {
			return 0, err
		}
		if i == 0 {
			first = word &^ flagContinuation
		}
		if word&flagContinuation == 0 {
			return first, nil
		}
	}
}

func shortStringFor(p *Properties, flag uint16) *string {
	for _, sp := range shortStringProperties {
		if sp.flag == flag {
			return sp.get(p)
		}
	}
	// 0x0002 is reserved; its value is read and dropped.
	var discard string
	return &discard
}
