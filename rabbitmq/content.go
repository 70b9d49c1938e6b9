package rabbitmq

import (
	"github.com/pkg/errors"

	"github.com/israelio/rabbit-engine/internal/frame"
	"github.com/israelio/rabbit-engine/internal/protocol"
)

// message is a content-bearing method with its header and full body.
type message struct {
	method     *protocol.Method
	properties Properties
	body       []byte
}

// contentAssembler collects the method, header and body frames of one
// message. Frames of different messages never interleave on a channel.
type contentAssembler struct {
	method *protocol.Method
	header *frame.HeaderFrame
	body   []byte
}

func (a *contentAssembler) active() bool {
	return a.method != nil
}

func (a *contentAssembler) reset() {
	a.method = nil
	a.header = nil
	a.body = nil
}

// process feeds one frame and returns the message once it is complete.
func (a *contentAssembler) process(f frame.Frame) (*message, error) {
	switch f := f.(type) {
	case *frame.MethodFrame:
		if a.method != nil {
			a.reset()
			return nil, errors.Wrapf(ErrUnexpectedFrame, "%s while awaiting content", f.Method.Name())
		}
		if !protocol.HasContent(f.Method.ID) {
			return nil, errors.Wrapf(ErrUnexpectedFrame, "%s carries no content", f.Method.Name())
		}
		a.method = f.Method
		return nil, nil

	case *frame.HeaderFrame:
		if a.method == nil || a.header != nil {
			a.reset()
			return nil, errors.Wrap(ErrUnexpectedFrame, "content header without method")
		}
		a.header = f
		if f.BodySize == 0 {
			return a.finish(), nil
		}
		a.body = make([]byte, 0, min(f.BodySize, uint64(protocol.FrameMaxDefault)))
		return nil, nil

	case *frame.BodyFrame:
		if a.header == nil {
			a.reset()
			return nil, errors.Wrap(ErrUnexpectedFrame, "content body without header")
		}
		a.body = append(a.body, f.Fragment...)
		size := uint64(len(a.body))
		switch {
		case size > a.header.BodySize:
			declared := a.header.BodySize
			a.reset()
			return nil, errors.Wrapf(ErrBodyTooLong, "%d bytes received, %d declared", size, declared)
		case size == a.header.BodySize:
			return a.finish(), nil
		}
		return nil, nil
	}
	return nil, errors.Wrapf(ErrUnexpectedFrame, "%s", f)
}

func (a *contentAssembler) finish() *message {
	m := &message{
		method:     a.method,
		properties: a.header.Properties,
		body:       a.body,
	}
	if m.body == nil {
		m.body = []byte{}
	}
	a.reset()
	return m
}
