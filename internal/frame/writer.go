package frame

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Writer writes frames to a blocking byte stream.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame marshals frames and writes them in a single call.
func (fw *Writer) WriteFrame(frames ...Frame) error {
	var out []byte
	for _, f := range frames {
		data, err := f.Marshal()
		if err != nil {
			return errors.Wrapf(err, "marshal %s", f)
		}
		out = append(out, data...)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if _, err := fw.w.Write(out); err != nil {
		return errors.Wrap(err, "write frame")
	}
	return nil
}
