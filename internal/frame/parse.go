package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fan-tom/lapin/internal/protocol"
)

// ErrIncomplete reports that the buffer does not yet hold a whole frame. The
// caller should read more bytes and retry; any other decode error is a
// protocol violation and must not be retried.
var ErrIncomplete = errors.New("incomplete frame")

// Parse decodes exactly one frame from the head of data. It returns the frame
// and the number of bytes consumed, ErrIncomplete when data is a valid prefix
// of a frame, or a fatal error when the bytes can never become a valid frame.
// maxFrame bounds the payload size; 0 means the pre-tune minimum applies.
func Parse(data []byte, maxFrame uint32) (*Frame, int, error) {
	if maxFrame == 0 {
		maxFrame = protocol.FrameMinSize
	}

	if len(data) < protocol.FrameHeaderSize {
		return nil, 0, ErrIncomplete
	}

	frameType := data[0]
	switch frameType {
	case protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody, protocol.FrameHeartbeat:
	default:
		return nil, 0, fmt.Errorf("invalid frame type %d", frameType)
	}

	channelID := binary.BigEndian.Uint16(data[1:3])
	size := binary.BigEndian.Uint32(data[3:7])
	if size > maxFrame {
		return nil, 0, fmt.Errorf("frame of %d bytes exceeds negotiated maximum %d", size, maxFrame)
	}

	total := protocol.FrameHeaderSize + int(size) + protocol.FrameEndSize
	if len(data) < total {
		return nil, 0, ErrIncomplete
	}

	if end := data[total-1]; end != protocol.FrameEnd {
		return nil, 0, fmt.Errorf("invalid frame end marker 0x%02x", end)
	}

	payload := make([]byte, size)
	copy(payload, data[protocol.FrameHeaderSize:total-1])

	return &Frame{Type: frameType, ChannelID: channelID, Payload: payload}, total, nil
}
