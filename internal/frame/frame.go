// Package frame turns raw bytes into typed AMQP frames and back. It is the
// only place that knows the frame wire layout; everything above it works with
// *Frame values and method payloads.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fan-tom/lapin/internal/protocol"
)

// Frame is the smallest transport unit: a type, the channel it belongs to and
// an opaque payload.
type Frame struct {
	Type      uint8
	ChannelID uint16
	Payload   []byte
}

// Method is a decoded method-frame payload.
type Method struct {
	ClassID  uint16
	MethodID uint16
	Args     []byte
}

// Header is a decoded content-header payload announcing BodySize bytes of body.
type Header struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties []byte
}

// NewMethod builds a method frame for the given class/method and encoded args.
func NewMethod(channelID, classID, methodID uint16, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint16(payload[2:4], methodID)
	copy(payload[4:], args)
	return &Frame{Type: protocol.FrameMethod, ChannelID: channelID, Payload: payload}
}

// NewHeader builds a content-header frame.
func NewHeader(channelID, classID uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, 12+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	// weight is unused and always zero
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[12:], properties)
	return &Frame{Type: protocol.FrameHeader, ChannelID: channelID, Payload: payload}
}

// NewBody builds a content-body frame carrying one fragment of a message body.
func NewBody(channelID uint16, data []byte) *Frame {
	return &Frame{Type: protocol.FrameBody, ChannelID: channelID, Payload: data}
}

// NewHeartbeat builds a heartbeat frame. Heartbeats always travel on channel 0.
func NewHeartbeat() *Frame {
	return &Frame{Type: protocol.FrameHeartbeat}
}

// Method decodes the frame payload as a method.
func (f *Frame) Method() (*Method, error) {
	if f.Type != protocol.FrameMethod {
		return nil, fmt.Errorf("frame type %d is not a method frame", f.Type)
	}
	if len(f.Payload) < 4 {
		return nil, fmt.Errorf("method payload too short: %d bytes", len(f.Payload))
	}
	return &Method{
		ClassID:  binary.BigEndian.Uint16(f.Payload[0:2]),
		MethodID: binary.BigEndian.Uint16(f.Payload[2:4]),
		Args:     f.Payload[4:],
	}, nil
}

// Header decodes the frame payload as a content header.
func (f *Frame) Header() (*Header, error) {
	if f.Type != protocol.FrameHeader {
		return nil, fmt.Errorf("frame type %d is not a header frame", f.Type)
	}
	if len(f.Payload) < 12 {
		return nil, fmt.Errorf("header payload too short: %d bytes", len(f.Payload))
	}
	return &Header{
		ClassID:    binary.BigEndian.Uint16(f.Payload[0:2]),
		Weight:     binary.BigEndian.Uint16(f.Payload[2:4]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[12:],
	}, nil
}

func (f *Frame) String() string {
	var kind string
	switch f.Type {
	case protocol.FrameMethod:
		kind = "method"
	case protocol.FrameHeader:
		kind = "header"
	case protocol.FrameBody:
		kind = "body"
	case protocol.FrameHeartbeat:
		kind = "heartbeat"
	default:
		kind = fmt.Sprintf("unknown(%d)", f.Type)
	}
	return fmt.Sprintf("frame{%s channel=%d size=%d}", kind, f.ChannelID, len(f.Payload))
}

// Args reads method arguments sequentially from a payload.
type Args struct {
	buf *bytes.Reader
}

// NewArgs wraps an argument payload for reading.
func NewArgs(data []byte) *Args {
	return &Args{buf: bytes.NewReader(data)}
}

func (a *Args) Bool() (bool, error) {
	b, err := a.buf.ReadByte()
	return b != 0, err
}

func (a *Args) Uint8() (uint8, error) {
	return a.buf.ReadByte()
}

func (a *Args) Uint16() (uint16, error) {
	var v uint16
	err := binary.Read(a.buf, binary.BigEndian, &v)
	return v, err
}

func (a *Args) Uint32() (uint32, error) {
	var v uint32
	err := binary.Read(a.buf, binary.BigEndian, &v)
	return v, err
}

func (a *Args) Uint64() (uint64, error) {
	var v uint64
	err := binary.Read(a.buf, binary.BigEndian, &v)
	return v, err
}

func (a *Args) ShortString() (string, error) {
	return protocol.ReadShortString(a.buf)
}

func (a *Args) LongString() ([]byte, error) {
	return protocol.ReadLongString(a.buf)
}

func (a *Args) Table() (protocol.Table, error) {
	return protocol.ReadTable(a.buf)
}

// Builder writes method arguments sequentially into a payload.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder returns an empty argument builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Uint8(v uint8) *Builder {
	b.buf.WriteByte(v)
	return b
}

func (b *Builder) Uint16(v uint16) *Builder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

func (b *Builder) Uint32(v uint32) *Builder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

func (b *Builder) Uint64(v uint64) *Builder {
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// Flags packs up to eight booleans into one byte, LSB first, the AMQP bit
// packing for consecutive bit arguments.
func (b *Builder) Flags(flags ...bool) *Builder {
	if len(flags) == 0 {
		return b
	}
	var packed byte
	for i, flag := range flags {
		if i > 0 && i%8 == 0 {
			b.buf.WriteByte(packed)
			packed = 0
		}
		if flag {
			packed |= 1 << uint(i%8)
		}
	}
	b.buf.WriteByte(packed)
	return b
}

func (b *Builder) ShortString(s string) *Builder {
	protocol.WriteShortString(&b.buf, s)
	return b
}

func (b *Builder) LongString(data []byte) *Builder {
	protocol.WriteLongString(&b.buf, data)
	return b
}

func (b *Builder) Table(t protocol.Table) *Builder {
	protocol.WriteTable(&b.buf, t)
	return b
}

// Bytes returns the accumulated argument payload.
func (b *Builder) Bytes() []byte {
	return b.buf.Bytes()
}
