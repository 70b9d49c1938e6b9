// Package frame implements the AMQP 0-9-1 frame codec.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

// ErrInvalidFrameFormat is returned for bytes that can never form a valid frame.
var ErrInvalidFrameFormat = errors.New("invalid frame format")

// Frame is one of ProtocolHeader, MethodFrame, HeaderFrame, BodyFrame or HeartbeatFrame.
type Frame interface {
	Channel() uint16
	Marshal() ([]byte, error)
	String() string
}

// ProtocolHeader is the 8 byte greeting that opens a connection.
type ProtocolHeader struct {
	Major, Minor, Revision byte
}

// NewProtocolHeader returns the 0-9-1 protocol header.
func NewProtocolHeader() *ProtocolHeader {
	return &ProtocolHeader{
		Major:    protocol.ProtocolVersionMajor,
		Minor:    protocol.ProtocolVersionMinor,
		Revision: protocol.ProtocolVersionRevision,
	}
}

func (*ProtocolHeader) Channel() uint16 { return 0 }

func (h *ProtocolHeader) Marshal() ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', 0, h.Major, h.Minor, h.Revision}, nil
}

func (h *ProtocolHeader) String() string {
	return fmt.Sprintf("ProtocolHeader{%d-%d-%d}", h.Major, h.Minor, h.Revision)
}

// MethodFrame carries a method on a channel.
type MethodFrame struct {
	ChannelID uint16
	Method    *protocol.Method
}

// NewMethodFrame creates a new method frame
func NewMethodFrame(channelID uint16, id protocol.MethodID, args protocol.Arguments) *MethodFrame {
	return &MethodFrame{ChannelID: channelID, Method: protocol.NewMethod(id, args)}
}

func (f *MethodFrame) Channel() uint16 { return f.ChannelID }

// FieldValue exposes method arguments for callback filters.
func (f *MethodFrame) FieldValue(name string) (any, bool) {
	return f.Method.FieldValue(name)
}

func (f *MethodFrame) Marshal() ([]byte, error) {
	spec := f.Method.Spec()
	if spec == nil {
		return nil, errors.Errorf("marshal unknown method %s", f.Method.ID)
	}

	args, err := EncodeArguments(spec, f.Method.Args)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 4, 4+len(args))
	binary.BigEndian.PutUint32(payload, uint32(f.Method.ID))
	return appendFrame(protocol.FrameMethod, f.ChannelID, append(payload, args...)), nil
}

func (f *MethodFrame) String() string {
	return fmt.Sprintf("Frame{type=METHOD, channel=%d, method=%s}", f.ChannelID, f.Method.Name())
}

// HeaderFrame announces the properties and size of the content that follows.
type HeaderFrame struct {
	ChannelID  uint16
	ClassID    uint16
	BodySize   uint64
	Properties protocol.Properties
}

// NewHeaderFrame creates a new content header frame
func NewHeaderFrame(channelID uint16, bodySize uint64, props protocol.Properties) *HeaderFrame {
	return &HeaderFrame{
		ChannelID:  channelID,
		ClassID:    protocol.ClassBasic,
		BodySize:   bodySize,
		Properties: props,
	}
}

func (f *HeaderFrame) Channel() uint16 { return f.ChannelID }

func (f *HeaderFrame) Marshal() ([]byte, error) {
	props, err := protocol.EncodeProperties(f.Properties)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, 12, 12+len(props))
	binary.BigEndian.PutUint16(payload[0:2], f.ClassID)
	binary.BigEndian.PutUint16(payload[2:4], 0) // weight (unused)
	binary.BigEndian.PutUint64(payload[4:12], f.BodySize)
	return appendFrame(protocol.FrameHeader, f.ChannelID, append(payload, props...)), nil
}

func (f *HeaderFrame) String() string {
	return fmt.Sprintf("Frame{type=HEADER, channel=%d, size=%d}", f.ChannelID, f.BodySize)
}

// BodyFrame carries one fragment of message content.
type BodyFrame struct {
	ChannelID uint16
	Fragment  []byte
}

// NewBodyFrame creates a new content body frame
func NewBodyFrame(channelID uint16, fragment []byte) *BodyFrame {
	return &BodyFrame{ChannelID: channelID, Fragment: fragment}
}

func (f *BodyFrame) Channel() uint16 { return f.ChannelID }

func (f *BodyFrame) Marshal() ([]byte, error) {
	return appendFrame(protocol.FrameBody, f.ChannelID, f.Fragment), nil
}

func (f *BodyFrame) String() string {
	return fmt.Sprintf("Frame{type=BODY, channel=%d, size=%d}", f.ChannelID, len(f.Fragment))
}

// HeartbeatFrame is sent on channel 0 to keep an idle connection alive.
type HeartbeatFrame struct{}

func (*HeartbeatFrame) Channel() uint16 { return 0 }

func (*HeartbeatFrame) Marshal() ([]byte, error) {
	return appendFrame(protocol.FrameHeartbeat, 0, nil), nil
}

func (*HeartbeatFrame) String() string {
	return "Frame{type=HEARTBEAT, channel=0}"
}

func appendFrame(frameType byte, channel uint16, payload []byte) []byte {
	out := make([]byte, protocol.FrameHeaderSize, len(payload)+protocol.FrameOverhead)
	out[0] = frameType
	binary.BigEndian.PutUint16(out[1:3], channel)
	binary.BigEndian.PutUint32(out[3:7], uint32(len(payload)))
	out = append(out, payload...)
	return append(out, protocol.FrameEnd)
}

// Decode reads one frame from the front of buf. It returns (nil, 0, nil) when
// buf does not yet hold a whole frame, and an error wrapping
// ErrInvalidFrameFormat when it never will.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) > 0 && buf[0] == 'A' {
		if len(buf) < len(protocol.ProtocolHeader) {
			return nil, 0, nil
		}
		if !bytes.Equal(buf[:5], []byte{'A', 'M', 'Q', 'P', 0}) {
			return nil, 0, errors.Wrapf(ErrInvalidFrameFormat, "malformed protocol header %q", buf[:8])
		}
		return &ProtocolHeader{Major: buf[5], Minor: buf[6], Revision: buf[7]}, 8, nil
	}

	if len(buf) < protocol.FrameHeaderSize {
		return nil, 0, nil
	}

	frameType := buf[0]
	channel := binary.BigEndian.Uint16(buf[1:3])
	size := int(binary.BigEndian.Uint32(buf[3:7]))

	end := protocol.FrameHeaderSize + size
	if len(buf) < end+protocol.FrameEndSize {
		return nil, 0, nil
	}
	if buf[end] != protocol.FrameEnd {
		return nil, 0, errors.Wrapf(ErrInvalidFrameFormat, "end marker 0x%02X (expected 0x%02X)", buf[end], protocol.FrameEnd)
	}

	payload := buf[protocol.FrameHeaderSize:end]
	consumed := end + protocol.FrameEndSize

	f, err := decodePayload(frameType, channel, payload)
	if err != nil {
		return nil, 0, err
	}
	return f, consumed, nil
}

func decodePayload(frameType byte, channel uint16, payload []byte) (Frame, error) {
	switch frameType {
	case protocol.FrameMethod:
		if len(payload) < 4 {
			return nil, errors.Wrapf(ErrInvalidFrameFormat, "method payload too short: %d", len(payload))
		}
		id := protocol.MethodID(binary.BigEndian.Uint32(payload[0:4]))
		spec, ok := protocol.Lookup(id)
		if !ok {
			return nil, errors.Wrapf(ErrInvalidFrameFormat, "unknown method %s", id)
		}
		args, err := DecodeArguments(spec, payload[4:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFrameFormat, err)
		}
		return &MethodFrame{ChannelID: channel, Method: &protocol.Method{ID: id, Args: args}}, nil

	case protocol.FrameHeader:
		if len(payload) < 14 {
			return nil, errors.Wrapf(ErrInvalidFrameFormat, "header payload too short: %d", len(payload))
		}
		props, err := protocol.DecodeProperties(payload[12:])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidFrameFormat, err)
		}
		return &HeaderFrame{
			ChannelID:  channel,
			ClassID:    binary.BigEndian.Uint16(payload[0:2]),
			BodySize:   binary.BigEndian.Uint64(payload[4:12]),
			Properties: props,
		}, nil

	case protocol.FrameBody:
		fragment := make([]byte, len(payload))
		copy(fragment, payload)
		return &BodyFrame{ChannelID: channel, Fragment: fragment}, nil

	case protocol.FrameHeartbeat:
		return &HeartbeatFrame{}, nil

	default:
		return nil, errors.Wrapf(ErrInvalidFrameFormat, "unknown frame type %d", frameType)
	}
}
