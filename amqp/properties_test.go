package amqp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesRoundTrip(t *testing.T) {
	in := Properties{
		ContentType:   "application/json",
		Headers:       Table{"retry-count": int32(3), "origin": "billing"},
		DeliveryMode:  2,
		Priority:      5,
		CorrelationId: "corr-42",
		ReplyTo:       "amq.gen-reply",
		Timestamp:     time.Unix(1700000000, 0),
		AppId:         "billing-svc",
	}

	payload, err := encodeProperties(in)
	require.NoError(t, err)

	out, err := decodeProperties(payload)
	require.NoError(t, err)

	assert.Equal(t, in.ContentType, out.ContentType)
	assert.Equal(t, in.Headers["origin"], out.Headers["origin"])
	assert.Equal(t, in.Headers["retry-count"], out.Headers["retry-count"])
	assert.Equal(t, in.DeliveryMode, out.DeliveryMode)
	assert.Equal(t, in.Priority, out.Priority)
	assert.Equal(t, in.CorrelationId, out.CorrelationId)
	assert.Equal(t, in.ReplyTo, out.ReplyTo)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.AppId, out.AppId)

	// absent fields stay zero
	assert.Empty(t, out.ContentEncoding)
	assert.Empty(t, out.MessageId)
	assert.Empty(t, out.Expiration)
	assert.Empty(t, out.Type)
	assert.Empty(t, out.UserId)
}

func TestPropertiesEmpty(t *testing.T) {
	payload, err := encodeProperties(Properties{})
	require.NoError(t, err)
	require.Len(t, payload, 2, "just the zero flag word")
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(payload))

	out, err := decodeProperties(payload)
	require.NoError(t, err)
	assert.Equal(t, Properties{}, out)
}

func TestPropertiesFlagBits(t *testing.T) {
	payload, err := encodeProperties(Properties{ContentType: "text/plain", AppId: "x"})
	require.NoError(t, err)

	flags := binary.BigEndian.Uint16(payload)
	assert.Equal(t, uint16(flagContentType|flagAppId), flags)
}

func TestPropertiesTruncated(t *testing.T) {
	payload, err := encodeProperties(Properties{ContentType: "text/plain"})
	require.NoError(t, err)

	_, err = decodeProperties(payload[:len(payload)-1])
	require.Error(t, err)

	_, err = decodeProperties(nil)
	require.Error(t, err)
}
