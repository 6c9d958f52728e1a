package frame

import (
	"errors"
	"fmt"
	"io"

	"github.com/fan-tom/lapin/internal/protocol"
)

// Reader decodes frames from a byte stream. It buffers reads itself so that a
// partially received frame is kept until the rest arrives, and distinguishes
// "need more bytes" from "the stream is corrupt" via Parse.
type Reader struct {
	r        io.Reader
	maxFrame uint32
	buf      []byte
	start    int
	end      int
}

// NewReader creates a frame reader with the given frame-size bound.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}
	return &Reader{
		r:        r,
		maxFrame: maxFrameSize,
		buf:      make([]byte, 0, 2*maxFrameSize),
	}
}

// ReadFrame returns the next complete frame, blocking on the underlying
// stream until one is available.
func (fr *Reader) ReadFrame() (*Frame, error) {
	for {
		f, consumed, err := Parse(fr.buf[fr.start:fr.end], fr.maxFrame)
		if err == nil {
			fr.start += consumed
			if fr.start == fr.end {
				fr.start, fr.end = 0, 0
			}
			return f, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		if err := fr.fill(); err != nil {
			return nil, err
		}
	}
}

// fill appends more bytes from the stream into the buffer, compacting or
// growing it first when needed.
func (fr *Reader) fill() error {
	if fr.start > 0 {
		copy(fr.buf, fr.buf[fr.start:fr.end])
		fr.end -= fr.start
		fr.start = 0
	}
	if fr.end == cap(fr.buf) {
		grown := make([]byte, cap(fr.buf)*2)
		copy(grown, fr.buf[:fr.end])
		fr.buf = grown
	}
	fr.buf = fr.buf[:cap(fr.buf)]

	n, err := fr.r.Read(fr.buf[fr.end:])
	fr.end += n
	fr.buf = fr.buf[:fr.end]
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return fmt.Errorf("read stream: %w", err)
}

// SetMaxFrameSize raises or lowers the frame-size bound after tuning.
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}
