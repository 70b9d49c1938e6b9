package frame

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/protocol"
)

// Reader reads whole frames from a blocking byte stream.
type Reader struct {
	r        *bufio.Reader
	maxFrame uint32
}

// NewReader creates a new frame reader
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMaxDefault
	}

	return &Reader{
		r:        bufio.NewReaderSize(r, protocol.FrameMinSize),
		maxFrame: maxFrameSize,
	}
}

// ReadFrame reads a single frame, including a protocol header.
func (fr *Reader) ReadFrame() (Frame, error) {
	first, err := fr.r.Peek(1)
	if err != nil {
		return nil, errors.Wrap(err, "read frame header")
	}

	var raw []byte
	if first[0] == 'A' {
		raw = make([]byte, len(protocol.ProtocolHeader))
		if _, err := io.ReadFull(fr.r, raw); err != nil {
			return nil, errors.Wrap(err, "read protocol header")
		}
	} else {
		var header [protocol.FrameHeaderSize]byte
		if _, err := io.ReadFull(fr.r, header[:]); err != nil {
			return nil, errors.Wrap(err, "read frame header")
		}

		size := binary.BigEndian.Uint32(header[3:7])
		if size > fr.maxFrame {
			return nil, errors.Wrapf(ErrInvalidFrameFormat, "frame payload too large: %d > %d", size, fr.maxFrame)
		}

		raw = make([]byte, protocol.FrameHeaderSize+int(size)+protocol.FrameEndSize)
		copy(raw, header[:])
		if _, err := io.ReadFull(fr.r, raw[protocol.FrameHeaderSize:]); err != nil {
			return nil, errors.Wrap(err, "read frame payload")
		}
	}

	f, _, err := Decode(raw)
	return f, err
}

// SetMaxFrameSize updates the maximum frame size
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}
