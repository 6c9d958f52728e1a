package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fan-tom/lapin/internal/protocol"
)

// Writer encodes frames onto a byte stream. It is not safe for concurrent use;
// the connection's write loop is its single caller.
type Writer struct {
	w        *bufio.Writer
	maxFrame uint32
	head     [protocol.FrameHeaderSize]byte
}

// NewWriter creates a frame writer with the given frame-size bound.
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}
	return &Writer{
		w:        bufio.NewWriterSize(w, int(maxFrameSize)),
		maxFrame: maxFrameSize,
	}
}

// WriteFrame encodes one frame into the buffer without flushing, so that a
// batch of frames reaches the stream in one write.
func (fw *Writer) WriteFrame(f *Frame) error {
	if uint32(len(f.Payload)) > fw.maxFrame {
		return fmt.Errorf("frame of %d bytes exceeds negotiated maximum %d", len(f.Payload), fw.maxFrame)
	}

	fw.head[0] = f.Type
	binary.BigEndian.PutUint16(fw.head[1:3], f.ChannelID)
	binary.BigEndian.PutUint32(fw.head[3:7], uint32(len(f.Payload)))

	if _, err := fw.w.Write(fw.head[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := fw.w.Write(f.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}
	return nil
}

// Flush pushes buffered frames to the stream.
func (fw *Writer) Flush() error {
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}
	return nil
}

// WriteProtocolHeader sends the AMQP preamble that precedes the handshake.
func (fw *Writer) WriteProtocolHeader() error {
	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	return fw.Flush()
}

// SetMaxFrameSize raises or lowers the frame-size bound after tuning.
func (fw *Writer) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fw.maxFrame = size
	}
}
