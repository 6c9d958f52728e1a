package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fan-tom/lapin/internal/protocol"
)

// Table is an AMQP field table carried in headers and method arguments.
type Table = protocol.Table

// Properties are the Basic-class content properties attached to a message.
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
}

// Publishing is a message handed to Publish: properties plus body bytes.
type Publishing struct {
	Properties
	Body []byte
}

// Property presence flags, high bit first, in wire order.
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
)

// encodeProperties renders properties into the content-header payload format:
// a 16-bit presence bitmask followed by the present fields in flag order.
func encodeProperties(p Properties) ([]byte, error) {
	var flags uint16
	if p.ContentType != "" {
		flags |= flagContentType
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
	}
	if len(p.Headers) > 0 {
		flags |= flagHeaders
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
	}
	if p.Priority != 0 {
		flags |= flagPriority
	}
	if p.CorrelationId != "" {
		flags |= flagCorrelationId
	}
	if p.ReplyTo != "" {
		flags |= flagReplyTo
	}
	if p.Expiration != "" {
		flags |= flagExpiration
	}
	if p.MessageId != "" {
		flags |= flagMessageId
	}
	if !p.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	if p.Type != "" {
		flags |= flagType
	}
	if p.UserId != "" {
		flags |= flagUserId
	}
	if p.AppId != "" {
		flags |= flagAppId
	}

	buf := bytes.NewBuffer(make([]byte, 0, 64))
	binary.Write(buf, binary.BigEndian, flags)

	writeShort := func(flag uint16, s string) error {
		if flags&flag == 0 {
			return nil
		}
		return protocol.WriteShortString(buf, s)
	}

	if err := writeShort(flagContentType, p.ContentType); err != nil {
		return nil, err
	}
	if err := writeShort(flagContentEncoding, p.ContentEncoding); err != nil {
		return nil, err
	}
	if flags&flagHeaders != 0 {
		if err := protocol.WriteTable(buf, p.Headers); err != nil {
			return nil, err
		}
	}
	if flags&flagDeliveryMode != 0 {
		buf.WriteByte(p.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		buf.WriteByte(p.Priority)
	}
	if err := writeShort(flagCorrelationId, p.CorrelationId); err != nil {
		return nil, err
	}
	if err := writeShort(flagReplyTo, p.ReplyTo); err != nil {
		return nil, err
	}
	if err := writeShort(flagExpiration, p.Expiration); err != nil {
		return nil, err
	}
	if err := writeShort(flagMessageId, p.MessageId); err != nil {
		return nil, err
	}
	if flags&flagTimestamp != 0 {
		binary.Write(buf, binary.BigEndian, p.Timestamp.Unix())
	}
	if err := writeShort(flagType, p.Type); err != nil {
		return nil, err
	}
	if err := writeShort(flagUserId, p.UserId); err != nil {
		return nil, err
	}
	if err := writeShort(flagAppId, p.AppId); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// decodeProperties parses a content-header payload back into Properties.
func decodeProperties(data []byte) (Properties, error) {
	var p Properties

	buf := bytes.NewReader(data)
	var flags uint16
	if err := binary.Read(buf, binary.BigEndian, &flags); err != nil {
		return p, fmt.Errorf("read property flags: %w", err)
	}

	var err error
	readShort := func(flag uint16, dst *string) {
		if err != nil || flags&flag == 0 {
			return
		}
		*dst, err = protocol.ReadShortString(buf)
	}

	readShort(flagContentType, &p.ContentType)
	readShort(flagContentEncoding, &p.ContentEncoding)
	if err == nil && flags&flagHeaders != 0 {
		p.Headers, err = protocol.ReadTable(buf)
	}
	if err == nil && flags&flagDeliveryMode != 0 {
		p.DeliveryMode, err = buf.ReadByte()
	}
	if err == nil && flags&flagPriority != 0 {
		p.Priority, err = buf.ReadByte()
	}
	readShort(flagCorrelationId, &p.CorrelationId)
	readShort(flagReplyTo, &p.ReplyTo)
	readShort(flagExpiration, &p.Expiration)
	readShort(flagMessageId, &p.MessageId)
	if err == nil && flags&flagTimestamp != 0 {
		var ts int64
		if err = binary.Read(buf, binary.BigEndian, &ts); err == nil {
			p.Timestamp = time.Unix(ts, 0)
		}
	}
	readShort(flagType, &p.Type)
	readShort(flagUserId, &p.UserId)
	readShort(flagAppId, &p.AppId)

	if err != nil {
		return Properties{}, fmt.Errorf("decode properties: %w", err)
	}
	return p, nil
}
